package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("unknown envelope type")
	ErrMalformed   = errors.New("malformed envelope data")
)

// Message is the typed form of an envelope. The set of implementations is
// closed: one struct per [Type].
type Message interface {
	Type() Type
	isMessage()
}

// Player is one roster entry.
type Player struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// Init is always the first inbound message of a runtime.
type Init struct {
	RuntimeID        string          `json:"runtimeId"`
	SessionID        string          `json:"sessionId"`
	GameID           string          `json:"gameId"`
	HostConnectionID string          `json:"hostConnectionId"`
	State            json.RawMessage `json:"state,omitempty"`
}

// PlayerJoin announces a roster member.
type PlayerJoin Player

// PlayerAction carries one player input.
type PlayerAction struct {
	ConnectionID string          `json:"connectionId"`
	Action       string          `json:"action"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// PlayerDisconnect announces a roster member leaving.
type PlayerDisconnect struct {
	ConnectionID string `json:"connectionId"`
}

// EndGame asks the payload to wind down.
type EndGame struct {
	Reason Reason `json:"reason"`
}

// Ready acknowledges a successful Init.
type Ready struct{}

// SendToAll broadcasts an event to every player of the session.
type SendToAll struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendToHost delivers an event to the session host.
type SendToHost struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendToPlayer delivers an event to a single connection.
type SendToPlayer struct {
	ConnectionID string          `json:"connectionId"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// SetState replaces the session state blob. The envelope data is the state
// itself, not an object wrapping it.
type SetState struct {
	State json.RawMessage
}

// Error reports a payload failure. Fatal errors end the runtime.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (Init) Type() Type             { return TypeInit }
func (PlayerJoin) Type() Type       { return TypePlayerJoin }
func (PlayerAction) Type() Type     { return TypePlayerAction }
func (PlayerDisconnect) Type() Type { return TypePlayerDisconnect }
func (EndGame) Type() Type          { return TypeEndGame }
func (Ready) Type() Type            { return TypeReady }
func (SendToAll) Type() Type        { return TypeSendToAll }
func (SendToHost) Type() Type       { return TypeSendToHost }
func (SendToPlayer) Type() Type     { return TypeSendToPlayer }
func (SetState) Type() Type         { return TypeSetState }
func (Error) Type() Type            { return TypeError }

func (Init) isMessage()             {}
func (PlayerJoin) isMessage()       {}
func (PlayerAction) isMessage()     {}
func (PlayerDisconnect) isMessage() {}
func (EndGame) isMessage()          {}
func (Ready) isMessage()            {}
func (SendToAll) isMessage()        {}
func (SendToHost) isMessage()       {}
func (SendToPlayer) isMessage()     {}
func (SetState) isMessage()         {}
func (Error) isMessage()            {}

// Wrap encodes m into its wire envelope.
func Wrap(m Message) (Envelope, error) {
	if s, ok := m.(SetState); ok {
		data := s.State
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		if !json.Valid(data) {
			return Envelope{}, fmt.Errorf("%w: SET_STATE is not valid JSON", ErrMalformed)
		}
		return Envelope{Type: TypeSetState, Data: data}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return Envelope{Type: m.Type(), Data: data}, nil
}

// MustWrap is Wrap for messages built by this process, where encoding cannot
// fail.
func MustWrap(m Message) Envelope {
	env, err := Wrap(m)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode converts an envelope into its typed message.
func (e Envelope) Decode() (Message, error) {
	switch e.Type {
	case TypeInit:
		return decodeInto[Init](e)
	case TypePlayerJoin:
		m, err := decodeInto[PlayerJoin](e)
		if err == nil && m.ConnectionID == "" {
			err = fmt.Errorf("%w: %s without connectionId", ErrMalformed, e.Type)
		}
		return m, err
	case TypePlayerAction:
		m, err := decodeInto[PlayerAction](e)
		if err == nil && m.ConnectionID == "" {
			err = fmt.Errorf("%w: %s without connectionId", ErrMalformed, e.Type)
		}
		return m, err
	case TypePlayerDisconnect:
		return decodeInto[PlayerDisconnect](e)
	case TypeEndGame:
		return decodeInto[EndGame](e)
	case TypeReady:
		return Ready{}, nil
	case TypeSendToAll:
		return decodeInto[SendToAll](e)
	case TypeSendToHost:
		return decodeInto[SendToHost](e)
	case TypeSendToPlayer:
		m, err := decodeInto[SendToPlayer](e)
		if err == nil && m.ConnectionID == "" {
			err = fmt.Errorf("%w: %s without connectionId", ErrMalformed, e.Type)
		}
		return m, err
	case TypeSetState:
		data := e.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return SetState{State: append(json.RawMessage(nil), data...)}, nil
	case TypeError:
		return decodeInto[Error](e)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
}

func decodeInto[T Message](e Envelope) (T, error) {
	var m T
	if len(e.Data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return m, nil
}
