package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/health"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/protocol"
)

// route handles one outbound envelope from inst. Envelopes from a runtime
// that is no longer the session's current one are dropped.
func (o *Orchestrator) route(s *session, inst *instance, env protocol.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		o.logger.Warn("undecodable envelope from runtime", "session", s.ID, "runtime", inst.id, "error", err)
		return
	}

	o.mu.Lock()
	if s.current != inst || inst.state == Exited {
		o.mu.Unlock()
		return
	}
	inst.touch(o.now())
	var deliver func()
	switch m := msg.(type) {
	case protocol.SetState:
		s.State = slices.Clone(m.State)
	case protocol.SendToAll:
		deliver = func() { o.sink.SendToAll(s.ID, m.Event, m.Data) }
	case protocol.SendToHost:
		deliver = func() { o.sink.SendToHost(s.ID, m.Event, m.Data) }
	case protocol.SendToPlayer:
		if !s.member(m.ConnectionID) {
			o.logger.Warn("runtime addressed a connection outside its session",
				"session", s.ID, "runtime", inst.id, "connection", m.ConnectionID)
			break
		}
		deliver = func() { o.sink.SendToPlayer(m.ConnectionID, m.Event, m.Data) }
	case protocol.Error:
		code := fault.Code(m.Code)
		if code == "" {
			code = fault.CodeUnknown
		}
		o.logger.Warn("runtime reported error", "session", s.ID, "runtime", inst.id, "code", code, "fatal", m.Fatal, "error", m.Message)
		deliver = func() { o.notifyError(s.ID, code) }
	}
	o.mu.Unlock()

	if deliver != nil {
		deliver()
	}
}

// exited is called once per runtime whose spawn succeeded.
func (o *Orchestrator) exited(s *session, inst *instance, st executor.ExitStatus) {
	o.mu.Lock()
	wasReady := inst.state == Ready
	inst.advance(Exited)
	current := s.current == inst
	if current {
		s.current = nil
	}
	crashed := wasReady && current && !inst.killed && !st.Requested && !s.closed && !o.stopping
	if crashed {
		o.restarts.Add(1)
	}
	o.mu.Unlock()

	if !crashed {
		return
	}
	o.logger.Warn("runtime exited unexpectedly", "session", s.ID, "runtime", inst.id, "error", st.Err)
	o.notifyError(s.ID, fault.CodeRuntimeCrash)
	go o.recover(s, inst.gameID)
}

// recover respawns a crashed session's game until a spawn succeeds or the
// supervisor gives up.
func (o *Orchestrator) recover(s *session, gameID string) {
	defer o.restarts.Done()
	ctx, span := o.tracer.Start(context.Background(), "orchestrator.Restart", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("game.id", gameID),
	))
	defer span.End()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	for {
		o.mu.Lock()
		// Someone else started, replaced or closed the game meanwhile.
		stale := s.closed || o.stopping || s.current != nil || s.GameID != gameID
		o.mu.Unlock()
		if stale {
			return
		}

		restart, count := o.supervisor.Failure(s.ID)
		span.SetAttributes(attribute.Int("restart.count", count))
		if !restart {
			o.fail(s, count)
			span.RecordError(ErrGameFailed)
			span.SetStatus(codes.Error, "restart ceiling reached")
			return
		}
		if _, err := o.spawn(ctx, s, count); err != nil {
			o.logger.Warn("restart failed", "session", s.ID, "attempt", count, "error", err)
			continue
		}
		return
	}
}

func (o *Orchestrator) fail(s *session, count int) {
	o.mu.Lock()
	s.Failed = true
	s.maxPlayers = 0
	o.mu.Unlock()
	o.logger.Error("giving up on game", "session", s.ID, "game", s.GameID, "failures", count)
	o.sink.SendToAll(s.ID, EventFailed, mustJSON(errorEvent{Message: failedNotice, Code: fault.CodeRuntimeCrash}))
}

// notifyError tells the session's players that something failed, without
// any detail beyond the code.
func (o *Orchestrator) notifyError(sessionID string, code fault.Code) {
	o.sink.SendToAll(sessionID, EventError, mustJSON(errorEvent{Message: fault.UserMessage(code), Code: code}))
}

// Join adds a player to the roster and announces them to the running game.
func (o *Orchestrator) Join(sessionID string, p protocol.Player) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if i := slices.IndexFunc(s.Players, func(q protocol.Player) bool { return q.ConnectionID == p.ConnectionID }); i >= 0 {
		s.Players[i] = p
		return nil
	}
	if s.maxPlayers > 0 && len(s.Players) >= s.maxPlayers {
		return fault.Wrap(fault.CodeValidation, fmt.Sprintf("%d players", s.maxPlayers), ErrGameFull)
	}
	s.Players = append(s.Players, p)
	if inst := s.current; inst != nil && inst.state == Ready {
		inst.touch(o.now())
		inst.handle.Send(protocol.MustWrap(protocol.PlayerJoin(p)))
	}
	return nil
}

// Leave removes a player from the roster and tells the running game.
func (o *Orchestrator) Leave(sessionID, connectionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	i := slices.IndexFunc(s.Players, func(q protocol.Player) bool { return q.ConnectionID == connectionID })
	if i < 0 {
		return nil
	}
	s.Players = slices.Delete(s.Players, i, i+1)
	if inst := s.current; inst != nil && inst.state == Ready {
		inst.touch(o.now())
		inst.handle.Send(protocol.MustWrap(protocol.PlayerDisconnect{ConnectionID: connectionID}))
	}
	return nil
}

// Action forwards a player input to the running game. It reports whether the
// input was queued; false is final and must not be retried.
func (o *Orchestrator) Action(sessionID, connectionID, action string, data json.RawMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok || !s.member(connectionID) {
		return false
	}
	inst := s.current
	if inst == nil || inst.state != Ready {
		return false
	}
	inst.touch(o.now())
	return inst.handle.Send(protocol.MustWrap(protocol.PlayerAction{
		ConnectionID: connectionID,
		Action:       action,
		Data:         data,
	}))
}

// Instances returns a snapshot of every current runtime.
func (o *Orchestrator) Instances() []Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Instance
	for _, s := range o.sessions {
		if s.current != nil {
			out = append(out, s.current.snapshot())
		}
	}
	slices.SortFunc(out, func(a, b Instance) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Samples reports every ready runtime for the health monitor.
func (o *Orchestrator) Samples(ctx context.Context) []health.Sample {
	type probe struct {
		sample health.Sample
		handle executor.Handle
	}
	o.mu.Lock()
	var probes []probe
	for _, s := range o.sessions {
		inst := s.current
		if inst == nil || inst.state != Ready || inst.killed {
			continue
		}
		probes = append(probes, probe{
			sample: health.Sample{
				SessionID:    s.ID,
				RuntimeID:    inst.id,
				StartedAt:    inst.startedAt,
				LastActivity: inst.lastActivity,
				Messages:     inst.messages,
			},
			handle: inst.handle,
		})
	}
	o.mu.Unlock()

	samples := make([]health.Sample, 0, len(probes))
	for _, p := range probes {
		stats := p.handle.Health(ctx)
		p.sample.HasMemory = stats.HasMemory
		p.sample.MemoryFraction = stats.MemoryFraction
		samples = append(samples, p.sample)
	}
	return samples
}
