// Package protocol defines the envelopes exchanged between the orchestrator
// and a game runtime, regardless of which execution strategy carries them.
//
// On the wire an envelope is a JSON object {"type": ..., "data": ...}, one per
// line. Inside the process envelopes are decoded into typed [Message] values.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies an envelope.
type Type string

// Inbound types, orchestrator → runtime.
const (
	TypeInit             Type = "INIT"
	TypePlayerJoin       Type = "PLAYER_JOIN"
	TypePlayerAction     Type = "PLAYER_ACTION"
	TypePlayerDisconnect Type = "PLAYER_DISCONNECT"
	TypeEndGame          Type = "END_GAME"
)

// Outbound types, runtime → orchestrator.
const (
	TypeReady        Type = "READY"
	TypeSendToAll    Type = "SEND_TO_ALL"
	TypeSendToPlayer Type = "SEND_TO_PLAYER"
	TypeSendToHost   Type = "SEND_TO_HOST"
	TypeSetState     Type = "SET_STATE"
	TypeError        Type = "ERROR"
)

// Inbound reports whether t travels from the orchestrator to a runtime.
func (t Type) Inbound() bool {
	switch t {
	case TypeInit, TypePlayerJoin, TypePlayerAction, TypePlayerDisconnect, TypeEndGame:
		return true
	}
	return false
}

// Outbound reports whether t travels from a runtime to the orchestrator.
func (t Type) Outbound() bool {
	switch t {
	case TypeReady, TypeSendToAll, TypeSendToPlayer, TypeSendToHost, TypeSetState, TypeError:
		return true
	}
	return false
}

// Valid reports whether t is part of the protocol.
func (t Type) Valid() bool {
	return t.Inbound() || t.Outbound()
}

// Envelope is the wire unit.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON rejects envelopes whose type is not part of the protocol.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	type raw Envelope
	var r raw
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	*e = Envelope(r)
	return nil
}

// Reason explains why a runtime is being ended or killed.
type Reason string

const (
	ReasonTimeout       Reason = "TIMEOUT"
	ReasonInactive      Reason = "INACTIVE"
	ReasonSpam          Reason = "SPAM"
	ReasonMemoryLimit   Reason = "MEMORY_LIMIT_EXCEEDED"
	ReasonReplaced      Reason = "REPLACED"
	ReasonEnded         Reason = "ENDED"
	ReasonSessionClosed Reason = "SESSION_CLOSED"
	ReasonShutdown      Reason = "SHUTDOWN"
)

// ResourceExceeded reports whether r is one of the health monitor's kill
// triggers.
func (r Reason) ResourceExceeded() bool {
	switch r {
	case ReasonTimeout, ReasonInactive, ReasonSpam, ReasonMemoryLimit:
		return true
	}
	return false
}
