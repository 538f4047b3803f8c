package health

import "sync"

// Supervisor counts runtime crashes per session. Counts never decay while
// the session lives.
type Supervisor struct {
	ceiling int

	mu       sync.Mutex
	failures map[string]int
}

func NewSupervisor(ceiling int) *Supervisor {
	return &Supervisor{ceiling: ceiling, failures: make(map[string]int)}
}

// Failure records a crash for sessionID and reports whether another restart
// is allowed, along with the cumulative count.
func (s *Supervisor) Failure(sessionID string) (restart bool, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[sessionID]++
	count = s.failures[sessionID]
	return count < s.ceiling, count
}

// Count returns the cumulative failures for sessionID.
func (s *Supervisor) Count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[sessionID]
}

// Forget drops the count once a session is closed.
func (s *Supervisor) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, sessionID)
}
