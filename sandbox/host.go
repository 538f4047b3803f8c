// Package sandbox is the in-boundary half of a game runtime: it receives
// inbound envelopes, drives the payload, and emits outbound envelopes.
//
// The same Host backs every execution strategy. The inline strategy calls it
// directly; the wrapper process runs it behind [Serve] over stdio or a socket.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/gameapi"
	"github.com/caffeineduck/partybox/hostfunc"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

var (
	ErrNotInitialized = errors.New("runtime not initialized")
	ErrBroken         = errors.New("runtime unusable after an unrecoverable call")
)

// abandonGrace is how long past its deadline a call may run before the host
// stops waiting and declares itself broken.
const abandonGrace = time.Second

// Host owns one payload for one runtime.
type Host struct {
	loader  *payload.Loader
	engines engine.Set
	policy  *policy.Policy
	emit    gameapi.Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	game   engine.Game
	init   *protocol.Init
	broken bool
	ended  bool
}

type Option func(*Host)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

func NewHost(loader *payload.Loader, engines engine.Set, pol *policy.Policy, emit gameapi.Emitter, opts ...Option) *Host {
	h := &Host{
		loader:  loader,
		engines: engines,
		policy:  pol,
		emit:    emit,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one inbound envelope. It reports done once the runtime
// should stop: after END_GAME, after a failed INIT, or once the host is
// broken. Payload failures are emitted as ERROR envelopes and also returned.
func (h *Host) Handle(ctx context.Context, env protocol.Envelope) (done bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ended {
		return true, nil
	}
	if h.broken {
		return true, ErrBroken
	}

	if !env.Type.Inbound() {
		err := fault.New(fault.CodeProtocol, fmt.Sprintf("%s is not an inbound envelope", env.Type))
		h.report(err, false)
		return false, err
	}

	msg, err := env.Decode()
	if err != nil {
		err = fault.Wrap(fault.CodeProtocol, "decode", err)
		h.report(err, false)
		return false, err
	}

	if init, ok := msg.(protocol.Init); ok {
		if h.init != nil {
			err := fault.New(fault.CodeProtocol, "duplicate INIT")
			h.report(err, false)
			return false, err
		}
		if err := h.start(ctx, init); err != nil {
			h.report(err, true)
			return true, err
		}
		h.send(protocol.Ready{})
		return false, nil
	}

	if h.init == nil {
		err := fault.Wrap(fault.CodeProtocol, string(env.Type)+" before INIT", ErrNotInitialized)
		h.report(err, false)
		return false, err
	}

	if err := h.call(ctx, msg); err != nil {
		h.report(err, h.broken)
		if h.broken {
			return true, err
		}
		if _, ok := msg.(protocol.EndGame); !ok {
			return false, err
		}
	}

	if _, ok := msg.(protocol.EndGame); ok {
		h.ended = true
		h.closeGame()
		return true, nil
	}
	return false, nil
}

func (h *Host) start(ctx context.Context, init protocol.Init) error {
	h.logger = h.logger.With("runtime", init.RuntimeID, "session", init.SessionID, "game", init.GameID)

	p, err := h.loader.Load(init.GameID)
	if err != nil {
		return err
	}
	eng, ok := h.engines[p.Manifest.Engine]
	if !ok {
		return fault.New(fault.CodeValidation, fmt.Sprintf("no %s engine available", p.Manifest.Engine))
	}

	registry := hostfunc.NewRegistry()
	gameapi.New(init.State, h.emit, gameapi.WithLogger(h.logger)).Register(registry)

	loadCtx, cancel := h.budget(ctx)
	defer cancel()
	game, err := eng.Load(loadCtx, p, registry, h.policy)
	if err != nil {
		return err
	}
	h.game = game
	h.init = &init

	if err := h.call(ctx, init); err != nil {
		h.closeGame()
		return err
	}
	h.logger.Info("runtime initialized", "engine", eng.Name())
	return nil
}

// call runs one handler under the execution budget. Panics stay here.
func (h *Host) call(ctx context.Context, msg protocol.Message) error {
	ctx, cancel := h.budget(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("handler panic", "type", msg.Type(), "panic", r, "stack", string(debug.Stack()))
				result <- fault.New(fault.CodeRuntimeCrash, fmt.Sprintf("handler panic: %v", r))
			}
		}()
		result <- h.game.Handle(ctx, msg)
	}()

	select {
	case err := <-result:
		return h.checkClosed(err)
	case <-ctx.Done():
	}

	// Engines abort on their own when ctx ends; give them a moment.
	timer := time.NewTimer(abandonGrace)
	defer timer.Stop()
	select {
	case err := <-result:
		return h.checkClosed(err)
	case <-timer.C:
		h.broken = true
		return fault.Wrap(fault.CodeResourceExceeded, string(msg.Type()), engine.ErrTimeout)
	}
}

// checkClosed marks the host broken when the game can no longer run.
func (h *Host) checkClosed(err error) error {
	if errors.Is(err, engine.ErrGameClosed) {
		h.broken = true
	}
	return err
}

// Exited is closed when the running game stops on its own. It is nil, and
// so never ready, for games that cannot.
func (h *Host) Exited() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if x, ok := h.game.(engine.Exiter); ok && !h.broken && !h.ended {
		return x.Exited()
	}
	return nil
}

// GameExited reports a game that stopped between calls as a fatal ERROR and
// breaks the host.
func (h *Host) GameExited() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := fault.Wrap(fault.CodeRuntimeCrash, "game", engine.ErrGameClosed)
	h.report(err, true)
	h.broken = true
	h.closeGame()
	return err
}

func (h *Host) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.policy.ExecutionTimeout > 0 {
		return context.WithTimeout(ctx, h.policy.ExecutionTimeout)
	}
	return context.WithCancel(ctx)
}

// report emits err as an ERROR envelope. Detail goes to the orchestrator's
// log; players only ever see a generic notice for the code.
func (h *Host) report(err error, fatal bool) {
	code := fault.CodeOf(err)
	h.logger.Warn("payload error", "code", code, "fatal", fatal, "error", err)
	h.send(protocol.Error{Message: err.Error(), Code: string(code), Fatal: fatal})
}

func (h *Host) send(m protocol.Message) {
	env, err := protocol.Wrap(m)
	if err == nil {
		err = h.emit(env)
	}
	if err != nil {
		h.logger.Error("emit failed", "type", m.Type(), "error", err)
	}
}

func (h *Host) closeGame() {
	if h.game != nil {
		h.game.Close()
		h.game = nil
	}
}

// Close releases the payload without calling any handler.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeGame()
	h.ended = true
	return nil
}
