// Package lua runs Lua game payloads on an embedded interpreter.
//
// Only the base, string, table, math and bit32 libraries are opened. The
// policy's denylisted globals and functions are removed, and any later read of
// a denylisted name, or a require of anything outside the allowlist, raises a
// [policy.Violation] that aborts only the current handler call.
package lua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	golua "github.com/Shopify/go-lua"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/hostfunc"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

const (
	handlersKey = "partybox.handlers"
	apiKey      = "partybox.api"

	// hookCount is the instruction interval between deadline checks.
	hookCount = 1000
)

var requiredExports = []string{"init", "on_action"}

type Engine struct {
	logger *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: logging.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return payload.EngineLua }

// Load runs the payload chunk, which must return a table of handlers.
func (e *Engine) Load(ctx context.Context, p *payload.Payload, registry *hostfunc.Registry, pol *policy.Policy) (engine.Game, error) {
	g := &Game{
		l:        golua.NewState(),
		registry: registry,
		policy:   pol,
		logger:   e.logger.With("game", p.ID),
	}
	g.openLibraries()
	g.restrict()
	g.installAPI()
	g.installHook()

	if err := golua.LoadBuffer(g.l, string(p.Source), "="+p.Manifest.Entry, "t"); err != nil {
		msg, _ := g.l.ToString(-1)
		g.l.Pop(1)
		return nil, fault.Wrap(fault.CodeValidation, "compile payload", fmt.Errorf("%s", msg))
	}
	if err := g.protectedCall(ctx, 0, 1); err != nil {
		return nil, err
	}
	if g.l.TypeOf(-1) != golua.TypeTable {
		g.l.Pop(1)
		return nil, fault.New(fault.CodeValidation, "payload must return a table of handlers")
	}
	for _, name := range requiredExports {
		g.l.Field(-1, name)
		ok := g.l.IsFunction(-1)
		g.l.Pop(1)
		if !ok {
			g.l.Pop(1)
			return nil, fault.New(fault.CodeValidation, fmt.Sprintf("missing required export %q", name))
		}
	}
	g.l.SetField(golua.RegistryIndex, handlersKey)
	return g, nil
}

// Game is a loaded Lua payload. Handle is not safe for concurrent use; Close
// may be called while a call is running.
type Game struct {
	l        *golua.State
	registry *hostfunc.Registry
	policy   *policy.Policy
	logger   *slog.Logger

	ctx       context.Context
	violation *policy.Violation
	timedOut  bool

	// mu guards running and closed. Close leaves the state alone while a
	// call runs; the call clears it on its way out.
	mu      sync.Mutex
	running bool
	closed  bool
}

func (g *Game) Handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Init:
		return g.call(ctx, "init", m.HostConnectionID)
	case protocol.PlayerJoin:
		return g.call(ctx, "on_join", map[string]any{
			"connection_id": m.ConnectionID,
			"display_name":  m.DisplayName,
		})
	case protocol.PlayerAction:
		return g.call(ctx, "on_action", m.ConnectionID, m.Action, m.Data)
	case protocol.PlayerDisconnect:
		return g.call(ctx, "on_disconnect", m.ConnectionID)
	case protocol.EndGame:
		return g.call(ctx, "on_end", string(m.Reason))
	}
	return fault.New(fault.CodeProtocol, fmt.Sprintf("%s is not an inbound message", msg.Type()))
}

func (g *Game) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if !g.running {
		g.l.SetTop(0)
	}
	return nil
}

func (g *Game) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.running = true
	return true
}

func (g *Game) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	if g.closed {
		g.l.SetTop(0)
	}
}

// call invokes an exported handler. Optional handlers that are absent are a
// no-op.
func (g *Game) call(ctx context.Context, name string, args ...any) error {
	if !g.enter() {
		return fault.Wrap(fault.CodeRuntimeCrash, name, engine.ErrGameClosed)
	}
	defer g.leave()

	l := g.l
	l.SetTop(0)
	l.Field(golua.RegistryIndex, handlersKey)
	l.Field(-1, name)
	l.Remove(-2)
	if !l.IsFunction(-1) {
		l.Pop(1)
		return nil
	}
	l.Field(golua.RegistryIndex, apiKey)
	for _, arg := range args {
		push(l, arg)
	}
	return g.protectedCall(ctx, len(args)+1, 0)
}

func (g *Game) protectedCall(ctx context.Context, nargs, nresults int) error {
	g.ctx = ctx
	g.violation = nil
	g.timedOut = false
	defer func() { g.ctx = nil }()

	if err := g.l.ProtectedCall(nargs, nresults, 0); err != nil {
		msg, _ := g.l.ToString(-1)
		g.l.Pop(1)
		return g.classify(msg)
	}
	return nil
}

func (g *Game) classify(msg string) error {
	switch {
	case g.violation != nil && strings.Contains(msg, g.violation.Error()):
		return g.violation
	case g.timedOut:
		return fault.Wrap(fault.CodeResourceExceeded, msg, engine.ErrTimeout)
	}
	return fault.New(fault.CodeUnknown, msg)
}

// raise aborts the running Lua call with err's message.
func raise(l *golua.State, err error) int {
	l.PushString(err.Error())
	l.Error()
	return 0
}
