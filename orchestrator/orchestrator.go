// Package orchestrator owns the sessions and the one runtime each may have.
// It spawns runtimes through an execution strategy, replays the roster to
// them, routes what they emit to the broadcast sink, and restarts them a
// bounded number of times when they crash.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/health"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrGameFailed      = errors.New("game failed permanently")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
	ErrGameFull        = errors.New("game is full")
)

// Player-facing events emitted by the orchestrator itself.
const (
	EventError  = "game:error"
	EventEnded  = "game:ended"
	EventFailed = "game:failed"
)

const failedNotice = "The game crashed too many times and was stopped."

// Sink delivers events to connected players. Implementations must not block
// for long; they are called outside the orchestrator's locks.
type Sink interface {
	SendToAll(sessionID, event string, data json.RawMessage)
	SendToPlayer(connectionID, event string, data json.RawMessage)
	SendToHost(sessionID, event string, data json.RawMessage)
}

// Session is the lobby as the orchestrator sees it.
type Session struct {
	ID               string
	Players          []protocol.Player
	HostConnectionID string
	State            json.RawMessage

	// Set by the orchestrator.
	GameID string
	Failed bool
}

func (s Session) clone() Session {
	s.Players = slices.Clone(s.Players)
	s.State = slices.Clone(s.State)
	return s
}

type session struct {
	Session
	current *instance
	closed  bool
	// maxPlayers bounds Join while a game is selected. Zero is unbounded.
	maxPlayers int

	// opMu serializes operations that replace the runtime.
	opMu sync.Mutex
}

func (s *session) member(connID string) bool {
	if connID == s.HostConnectionID {
		return true
	}
	return slices.ContainsFunc(s.Players, func(p protocol.Player) bool { return p.ConnectionID == connID })
}

type Orchestrator struct {
	boot       executor.Strategy
	inline     *executor.Inline
	catalog    *payload.Loader
	sink       Sink
	policy     *policy.Policy
	supervisor *health.Supervisor
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	stopping bool

	restarts sync.WaitGroup
}

type Option func(*Orchestrator)

// WithInline enables the inline strategy for the games on its allowlist.
func WithInline(inline *executor.Inline) Option {
	return func(o *Orchestrator) {
		o.inline = inline
	}
}

// WithCatalog makes SelectGame and Join honor the player bounds declared in
// each game's manifest.
func WithCatalog(loader *payload.Loader) Option {
	return func(o *Orchestrator) {
		o.catalog = loader
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// WithClock replaces time.Now for activity bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New builds an orchestrator that spawns through boot, the strategy chosen
// at startup.
func New(boot executor.Strategy, sink Sink, pol *policy.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		boot:       boot,
		sink:       sink,
		policy:     pol,
		supervisor: health.NewSupervisor(pol.RestartCeiling),
		logger:     logging.Discard(),
		tracer:     otel.Tracer("github.com/caffeineduck/partybox/orchestrator"),
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// strategyFor returns inline for allowlisted games and the boot strategy for
// everything else.
func (o *Orchestrator) strategyFor(gameID string) executor.Strategy {
	if o.inline != nil && o.inline.Permits(gameID) {
		return o.inline
	}
	return o.boot
}

func (o *Orchestrator) lookup(sessionID string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// OpenSession registers a lobby.
func (o *Orchestrator) OpenSession(s Session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return ErrShuttingDown
	}
	if _, ok := o.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	s = s.clone()
	s.GameID, s.Failed = "", false
	o.sessions[s.ID] = &session{Session: s}
	return nil
}

// CloseSession ends the session's runtime and forgets the session.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	o.mu.Lock()
	s.closed = true
	o.mu.Unlock()

	o.stop(s, protocol.ReasonSessionClosed)

	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	o.supervisor.Forget(sessionID)
	o.logger.Info("session closed", "session", sessionID)
	return nil
}

// Session returns a snapshot of the session.
func (o *Orchestrator) Session(sessionID string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.Session.clone(), true
}

// SelectGame starts gameID for the session, replacing any running game. It
// returns once the runtime is ready and the roster has been replayed to it.
func (o *Orchestrator) SelectGame(ctx context.Context, sessionID, gameID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SelectGame", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("game.id", gameID),
	))
	defer span.End()

	if !payload.ValidID(gameID) {
		return fault.New(fault.CodeValidation, fmt.Sprintf("invalid game id %q", gameID))
	}
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	o.mu.Lock()
	if s.closed || o.stopping {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	players := len(s.Players)
	o.mu.Unlock()

	maxPlayers, err := o.checkPlayers(gameID, players)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "player bounds")
		return err
	}

	o.stop(s, protocol.ReasonReplaced)

	o.mu.Lock()
	s.GameID = gameID
	s.Failed = false
	s.maxPlayers = maxPlayers
	o.mu.Unlock()

	inst, err := o.spawn(ctx, s, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		o.notifyError(s.ID, fault.CodeOf(err))
		return err
	}
	span.SetAttributes(attribute.String("runtime.id", inst.id), attribute.String("runtime.strategy", string(inst.strategy)))
	return nil
}

// checkPlayers holds the roster size against the game's declared bounds and
// returns its player ceiling.
func (o *Orchestrator) checkPlayers(gameID string, players int) (int, error) {
	if o.catalog == nil {
		return 0, nil
	}
	m, err := o.catalog.Manifest(gameID)
	if err != nil {
		return 0, err
	}
	if m.MinPlayers > 0 && players < m.MinPlayers {
		return 0, fault.New(fault.CodeValidation, fmt.Sprintf("%s needs at least %d players, lobby has %d", m.Title, m.MinPlayers, players))
	}
	if m.MaxPlayers > 0 && players > m.MaxPlayers {
		return 0, fault.New(fault.CodeValidation, fmt.Sprintf("%s allows at most %d players, lobby has %d", m.Title, m.MaxPlayers, players))
	}
	return m.MaxPlayers, nil
}

// spawn starts a runtime for the session's current game. The caller holds
// s.opMu and has made sure no runtime is current.
func (o *Orchestrator) spawn(ctx context.Context, s *session, restarts int) (*instance, error) {
	strategy := o.strategyFor(s.GameID)

	o.mu.Lock()
	now := o.now()
	inst := &instance{
		id:           uuid.NewString(),
		sessionID:    s.ID,
		gameID:       s.GameID,
		strategy:     strategy.Kind(),
		state:        Starting,
		startedAt:    now,
		lastActivity: now,
		restarts:     restarts,
	}
	s.current = inst
	init := protocol.Init{
		RuntimeID:        inst.id,
		SessionID:        s.ID,
		GameID:           s.GameID,
		HostConnectionID: s.HostConnectionID,
		State:            slices.Clone(s.State),
	}
	o.mu.Unlock()

	logger := o.logger.With("session", s.ID, "game", inst.gameID, "runtime", inst.id, "strategy", inst.strategy)
	logger.Info("spawning runtime", "restarts", restarts)

	h, err := strategy.Spawn(ctx, executor.SpawnRequest{
		Init:      init,
		OnMessage: func(env protocol.Envelope) { o.route(s, inst, env) },
		OnExit:    func(st executor.ExitStatus) { o.exited(s, inst, st) },
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		inst.advance(Exited)
		if s.current == inst {
			s.current = nil
		}
		logger.Warn("spawn failed", "error", err)
		return nil, err
	}
	inst.handle = h
	if !inst.advance(Ready) || s.current != inst {
		// The runtime exited between READY and here.
		return nil, fault.Wrap(fault.CodeRuntimeCrash, "runtime exited during spawn", executor.ErrExited)
	}
	// Replay under the lock so a concurrent Join cannot be sent twice or
	// missed.
	for _, p := range s.Players {
		if !h.Send(protocol.MustWrap(protocol.PlayerJoin(p))) {
			logger.Warn("roster replay dropped", "connection", p.ConnectionID)
		}
	}
	logger.Info("runtime ready", "players", len(s.Players))
	return inst, nil
}

// stop terminates the session's current runtime and waits for it to exit.
// The caller holds s.opMu.
func (o *Orchestrator) stop(s *session, reason protocol.Reason) bool {
	o.mu.Lock()
	inst := s.current
	if inst == nil || inst.handle == nil {
		o.mu.Unlock()
		return false
	}
	inst.killed = true
	inst.advance(Terminating)
	o.mu.Unlock()

	o.logger.Info("terminating runtime", "session", s.ID, "runtime", inst.id, "reason", reason)
	inst.handle.Terminate(reason)

	o.mu.Lock()
	inst.advance(Exited)
	if s.current == inst {
		s.current = nil
	}
	o.mu.Unlock()
	return true
}

// EndGame ends the session's game on request of the host.
func (o *Orchestrator) EndGame(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	o.mu.Lock()
	s.maxPlayers = 0
	o.mu.Unlock()
	if o.stop(s, protocol.ReasonEnded) {
		o.sink.SendToAll(sessionID, EventEnded, mustJSON(endedEvent{Reason: protocol.ReasonEnded}))
	}
	return nil
}

// Kill ends runtimeID with reason if it is still the session's ready runtime.
// It reports whether this call performed the kill.
func (o *Orchestrator) Kill(ctx context.Context, sessionID, runtimeID string, reason protocol.Reason) bool {
	_, span := o.tracer.Start(ctx, "orchestrator.Kill", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("runtime.id", runtimeID),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok || s.current == nil || s.current.id != runtimeID || s.current.killed || s.current.state != Ready {
		o.mu.Unlock()
		return false
	}
	inst := s.current
	inst.killed = true
	inst.advance(Terminating)
	o.mu.Unlock()

	o.logger.Warn("killing runtime", "session", sessionID, "runtime", runtimeID, "reason", reason)
	inst.handle.Terminate(reason)

	o.mu.Lock()
	inst.advance(Exited)
	if s.current == inst {
		s.current = nil
	}
	o.mu.Unlock()

	o.sink.SendToAll(sessionID, EventEnded, mustJSON(endedEvent{Reason: reason}))
	return true
}

// Shutdown terminates every runtime concurrently and waits for pending
// restarts to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			s.opMu.Lock()
			defer s.opMu.Unlock()
			o.stop(s, protocol.ReasonShutdown)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	settled := make(chan struct{})
	go func() {
		o.restarts.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type endedEvent struct {
	Reason protocol.Reason `json:"reason"`
}

type errorEvent struct {
	Message string     `json:"message"`
	Code    fault.Code `json:"code"`
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
