// Package gameapi is the bridge a payload sees: the only way it can reach
// players or persist state. Every call becomes an outbound envelope handed to
// an emitter, which is the runtime's channel back to the orchestrator.
package gameapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caffeineduck/partybox/hostfunc"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/protocol"
)

// Emitter delivers an outbound envelope. It must not block on the payload.
type Emitter func(protocol.Envelope) error

// API holds the runtime's copy of the session state. The copy starts from
// INIT and is replaced by SetState, which also emits SET_STATE so the
// orchestrator can hand the latest value to a restarted runtime.
type API struct {
	mu     sync.Mutex
	state  json.RawMessage
	emit   Emitter
	logger *slog.Logger
}

type Option func(*API)

func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

func New(state json.RawMessage, emit Emitter, opts ...Option) *API {
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	a := &API{
		state:  append(json.RawMessage(nil), state...),
		emit:   emit,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) SendToAll(event string, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return a.send(protocol.SendToAll{Event: event, Data: raw})
}

func (a *API) SendToPlayer(connectionID, event string, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return a.send(protocol.SendToPlayer{ConnectionID: connectionID, Event: event, Data: raw})
}

func (a *API) SendToHost(event string, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return a.send(protocol.SendToHost{Event: event, Data: raw})
}

// State returns a copy of the current state.
func (a *API) State() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(json.RawMessage(nil), a.state...)
}

// SetState replaces the state wholesale. Nothing is merged.
func (a *API) SetState(v any) error {
	raw, err := encodeData(v)
	if err != nil {
		return err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	a.mu.Lock()
	a.state = raw
	a.mu.Unlock()
	return a.send(protocol.SetState{State: raw})
}

func (a *API) send(m protocol.Message) error {
	env, err := protocol.Wrap(m)
	if err != nil {
		return err
	}
	return a.emit(env)
}

// Register binds the API into registry under the names payloads call.
func (a *API) Register(registry *hostfunc.Registry) {
	registry.Register("send_to_all", func(ctx context.Context, args map[string]any) (any, error) {
		event, err := hostfunc.String(args, "event")
		if err != nil {
			return nil, err
		}
		return nil, a.SendToAll(event, hostfunc.Value(args, "data"))
	}, "event", "data")

	registry.Register("send_to_player", func(ctx context.Context, args map[string]any) (any, error) {
		conn, err := hostfunc.String(args, "connection_id")
		if err != nil {
			return nil, err
		}
		event, err := hostfunc.String(args, "event")
		if err != nil {
			return nil, err
		}
		return nil, a.SendToPlayer(conn, event, hostfunc.Value(args, "data"))
	}, "connection_id", "event", "data")

	registry.Register("send_to_host", func(ctx context.Context, args map[string]any) (any, error) {
		event, err := hostfunc.String(args, "event")
		if err != nil {
			return nil, err
		}
		return nil, a.SendToHost(event, hostfunc.Value(args, "data"))
	}, "event", "data")

	registry.Register("get_state", func(ctx context.Context, args map[string]any) (any, error) {
		var v any
		if err := json.Unmarshal(a.State(), &v); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		return v, nil
	})

	registry.Register("set_state", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, a.SetState(hostfunc.Value(args, "state"))
	}, "state")

	registry.Register("log", func(ctx context.Context, args map[string]any) (any, error) {
		a.logger.Info("payload log", "message", fmt.Sprint(hostfunc.Value(args, "message")))
		return nil, nil
	}, "message")
}

func encodeData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(d) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return d, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return raw, nil
}
