// Package engine defines the contract between the sandbox host and the
// interpreters that run game payloads.
package engine

import (
	"context"
	"errors"

	"github.com/caffeineduck/partybox/hostfunc"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

// ErrTimeout is wrapped by errors from handler calls that ran past their
// deadline.
var ErrTimeout = errors.New("execution timed out")

// ErrGameClosed is wrapped by errors from games that can no longer run a
// handler. The host treats it as fatal to the runtime.
var ErrGameClosed = errors.New("game closed")

// Engine turns a loaded payload into a running game.
type Engine interface {
	Name() string
	Load(ctx context.Context, p *payload.Payload, registry *hostfunc.Registry, pol *policy.Policy) (Game, error)
}

// Game is one running payload. Handle is never called concurrently; each
// call delivers one inbound message to the matching payload handler. The
// deadline of ctx bounds the call.
type Game interface {
	Handle(ctx context.Context, msg protocol.Message) error
	Close() error
}

// Exiter is implemented by games that can stop without being asked, such as
// a guest module that returns from main.
type Exiter interface {
	Exited() <-chan struct{}
}

// Set maps manifest engine names to engines.
type Set map[string]Engine

// NewSet indexes engines by name.
func NewSet(engines ...Engine) Set {
	s := make(Set, len(engines))
	for _, e := range engines {
		s[e.Name()] = e
	}
	return s
}
