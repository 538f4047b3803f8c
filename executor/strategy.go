package executor

import (
	"context"
	"errors"

	"github.com/caffeineduck/partybox/protocol"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrExited           = errors.New("runtime exited")
	ErrNotAllowed       = errors.New("game not allowed for this strategy")
)

// Kind names an execution strategy.
type Kind string

const (
	KindInline    Kind = "inline"
	KindProcess   Kind = "child-process"
	KindContainer Kind = "container"
)

// Strategy spawns runtimes.
type Strategy interface {
	Kind() Kind
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}

// SpawnRequest describes one runtime. OnMessage receives outbound envelopes
// in order from a single goroutine, starting with any sent while INIT runs.
// OnExit is called once, only for runtimes whose spawn succeeded.
type SpawnRequest struct {
	Init      protocol.Init
	OnMessage func(protocol.Envelope)
	OnExit    func(ExitStatus)
}

// ExitStatus describes how a runtime ended. Requested is set when the exit
// followed Terminate.
type ExitStatus struct {
	Err       error
	Requested bool
}

// Handle is a spawned runtime.
type Handle interface {
	ID() string
	// Send queues env for the runtime. It never blocks; false means the
	// runtime is gone or its queue is full, and callers must not retry.
	Send(env protocol.Envelope) bool
	// Terminate ends the runtime and returns once it has exited. It is
	// idempotent and a no-op for a runtime that already exited.
	Terminate(reason protocol.Reason)
	Health(ctx context.Context) Stats
	Done() <-chan struct{}
}

// Stats is a point-in-time resource reading. HasMemory is false for
// strategies that cannot measure memory.
type Stats struct {
	MemoryUsage    uint64
	MemoryLimit    uint64
	MemoryFraction float64
	HasMemory      bool
}
