package orchestrator

import (
	"time"

	"github.com/caffeineduck/partybox/executor"
)

// Lifecycle is a runtime's position in starting → ready → terminating →
// exited. It never moves backwards.
type Lifecycle int

const (
	Starting Lifecycle = iota
	Ready
	Terminating
	Exited
)

func (l Lifecycle) String() string {
	switch l {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Terminating:
		return "terminating"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// Instance is a snapshot of one runtime.
type Instance struct {
	ID           string
	SessionID    string
	GameID       string
	Strategy     executor.Kind
	State        Lifecycle
	StartedAt    time.Time
	LastActivity time.Time
	Messages     int
	Restarts     int
}

// instance is guarded by Orchestrator.mu.
type instance struct {
	id           string
	sessionID    string
	gameID       string
	strategy     executor.Kind
	state        Lifecycle
	startedAt    time.Time
	lastActivity time.Time
	messages     int
	restarts     int

	handle executor.Handle
	// killed is set once a termination has been decided, so only one
	// caller ever terminates the runtime for a reason.
	killed bool
}

// advance moves the instance to next if that is forward. It reports whether
// the instance is now in next.
func (i *instance) advance(next Lifecycle) bool {
	if next < i.state {
		return false
	}
	i.state = next
	return true
}

func (i *instance) touch(now time.Time) {
	i.lastActivity = now
	i.messages++
}

func (i *instance) snapshot() Instance {
	return Instance{
		ID:           i.id,
		SessionID:    i.sessionID,
		GameID:       i.gameID,
		Strategy:     i.strategy,
		State:        i.state,
		StartedAt:    i.startedAt,
		LastActivity: i.lastActivity,
		Messages:     i.messages,
		Restarts:     i.restarts,
	}
}
