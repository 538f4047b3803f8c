// Package wasm runs WASI command modules as game payloads.
//
// A guest reads one inbound envelope per stdin line and answers each with
// \x00PARTY_DONE\x00 or \x00PARTY_ERROR:<msg>\x00 on stderr. While handling
// an envelope it may call host functions with \x00PARTY:{"fn":..,"args":..}\x00
// and read the JSON reply from stdin. It announces itself with
// \x00PARTY_READY\x00 before reading anything.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/hostfunc"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

const (
	pageSize = 64 << 10
	maxPages = 65536

	// GameMount is where the game directory appears, read-only, to the guest.
	GameMount = "/game"
)

var ErrGuestExited = errors.New("guest exited")

type Engine struct {
	cache  wazero.CompilationCache
	logger *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCacheDir persists compiled modules across processes.
func WithCacheDir(dir string) Option {
	return func(e *Engine) {
		if cache, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			e.cache = cache
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: logging.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = wazero.NewCompilationCache()
	}
	return e
}

func (e *Engine) Name() string { return payload.EngineWASM }

// Close releases the compilation cache.
func (e *Engine) Close() error {
	return e.cache.Close(context.Background())
}

func memoryPages(pol *policy.Policy) uint32 {
	pages := pol.MemoryCeiling / pageSize
	if pages == 0 || pages > maxPages {
		return maxPages
	}
	return uint32(pages)
}

// Load compiles and starts the guest, returning once it is ready.
func (e *Engine) Load(ctx context.Context, p *payload.Payload, registry *hostfunc.Registry, pol *policy.Policy) (engine.Game, error) {
	logger := e.logger.With("game", p.ID)

	// The guest outlives Load; runCtx is cancelled by Close.
	runCtx, cancel := context.WithCancel(context.Background())

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(e.cache).
		WithMemoryLimitPages(memoryPages(pol))
	rt := wazero.NewRuntimeWithConfig(runCtx, rtConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		cancel()
		rt.Close(context.Background())
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(runCtx, p.Source)
	if err != nil {
		cancel()
		rt.Close(context.Background())
		return nil, fault.Wrap(fault.CodeValidation, "compile guest", err)
	}

	stdinReader, stdinWriter := io.Pipe()
	proto := newGuestProtocol(registry, stdinWriter, func(line string) {
		logger.Info("guest output", "line", line)
	})

	moduleConfig := wazero.NewModuleConfig().
		WithStdin(stdinReader).
		WithStdout(proto).
		WithStderr(proto).
		WithArgs(p.ID).
		WithName("")
	if p.Dir != "" {
		moduleConfig = moduleConfig.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(p.Dir, GameMount))
	}

	g := &Game{
		runtime: rt,
		cancel:  cancel,
		stdin:   stdinWriter,
		proto:   proto,
		exited:  make(chan struct{}),
	}

	go func() {
		_, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		stdinReader.Close()
		g.exitErr = err
		close(g.exited)
	}()

	handshake := pol.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	timer := time.NewTimer(handshake)
	defer timer.Stop()

	select {
	case <-proto.Ready():
		return g, nil
	case <-g.exited:
		g.Close()
		return nil, fault.Wrap(fault.CodeValidation, "guest exited before ready", g.exitCause())
	case <-timer.C:
		g.Close()
		return nil, fault.Wrap(fault.CodeTransport, "guest start", engine.ErrTimeout)
	case <-ctx.Done():
		g.Close()
		return nil, ctx.Err()
	}
}

// Game is a running guest module.
type Game struct {
	runtime wazero.Runtime
	cancel  context.CancelFunc
	stdin   *io.PipeWriter
	proto   *guestProtocol

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
}

func (g *Game) Handle(ctx context.Context, msg protocol.Message) error {
	env, err := protocol.Wrap(msg)
	if err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	select {
	case <-g.exited:
		return fault.Wrap(fault.CodeRuntimeCrash, "guest", fmt.Errorf("%w: %w", engine.ErrGameClosed, g.exitCause()))
	default:
	}

	done := g.proto.begin(ctx)

	sent := make(chan error, 1)
	go func() { sent <- g.proto.send(line) }()

	for {
		select {
		case err := <-sent:
			if err != nil {
				return fault.Wrap(fault.CodeRuntimeCrash, "deliver envelope", fmt.Errorf("%w: %w", engine.ErrGameClosed, err))
			}
			sent = nil
		case err := <-done:
			return err
		case <-g.exited:
			return fault.Wrap(fault.CodeRuntimeCrash, "guest", fmt.Errorf("%w: %w", engine.ErrGameClosed, g.exitCause()))
		case <-ctx.Done():
			// The guest is mid-call and its state is unknown; stop it.
			g.Close()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fault.Wrap(fault.CodeResourceExceeded, string(msg.Type()), fmt.Errorf("%w: %w", engine.ErrTimeout, engine.ErrGameClosed))
			}
			return fmt.Errorf("%w: %w", ctx.Err(), engine.ErrGameClosed)
		}
	}
}

// Exited is closed once the guest module has stopped.
func (g *Game) Exited() <-chan struct{} {
	return g.exited
}

func (g *Game) exitCause() error {
	if g.exitErr != nil {
		return g.exitErr
	}
	return ErrGuestExited
}

func (g *Game) Close() error {
	g.closeOnce.Do(func() {
		g.stdin.Close()
		g.cancel()
		g.runtime.Close(context.Background())
	})
	return nil
}
