package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/protocol"
)

// delivery is one event handed to the sink.
type delivery struct {
	Kind   string // all, player or host
	Target string
	Event  string
	Data   string
}

type recordingSink struct {
	mu  sync.Mutex
	out []delivery
}

func (r *recordingSink) add(d delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, d)
}

func (r *recordingSink) SendToAll(sessionID, event string, data json.RawMessage) {
	r.add(delivery{"all", sessionID, event, string(data)})
}

func (r *recordingSink) SendToPlayer(connectionID, event string, data json.RawMessage) {
	r.add(delivery{"player", connectionID, event, string(data)})
}

func (r *recordingSink) SendToHost(sessionID, event string, data json.RawMessage) {
	r.add(delivery{"host", sessionID, event, string(data)})
}

func (r *recordingSink) events() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.out...)
}

func (r *recordingSink) waitFor(t *testing.T, n int) []delivery {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.events(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d sink deliveries, got %+v", n, r.events())
	return nil
}

// fakeStrategy hands out fakeHandles. OnSpawn, when set, runs before Spawn
// returns, the way a payload's init emits envelopes during the handshake.
type fakeStrategy struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	spawnErr error
	onSpawn  func(h *fakeHandle)
}

func (f *fakeStrategy) Kind() executor.Kind { return executor.KindProcess }

func (f *fakeStrategy) Spawn(ctx context.Context, req executor.SpawnRequest) (executor.Handle, error) {
	f.mu.Lock()
	err := f.spawnErr
	onSpawn := f.onSpawn
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{req: req, done: make(chan struct{})}
	if onSpawn != nil {
		onSpawn(h)
	}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeStrategy) spawned() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

func (f *fakeStrategy) waitSpawns(t *testing.T, n int) []*fakeHandle {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if hs := f.spawned(); len(hs) >= n {
			return hs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d spawns, got %d", n, len(f.spawned()))
	return nil
}

type fakeHandle struct {
	req  executor.SpawnRequest
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	sent       []protocol.Envelope
	terminated []protocol.Reason
	closed     bool
	stats      executor.Stats
}

func (h *fakeHandle) ID() string { return h.req.Init.RuntimeID }

func (h *fakeHandle) Send(env protocol.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sent = append(h.sent, env)
	return true
}

func (h *fakeHandle) Terminate(reason protocol.Reason) {
	h.mu.Lock()
	h.terminated = append(h.terminated, reason)
	h.mu.Unlock()
	h.exit(executor.ExitStatus{Requested: true})
}

func (h *fakeHandle) Health(ctx context.Context) executor.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) crash() {
	h.exit(executor.ExitStatus{Err: errors.New("exit status 1")})
}

func (h *fakeHandle) exit(st executor.ExitStatus) {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
		if h.req.OnExit != nil {
			h.req.OnExit(st)
		}
	})
}

func (h *fakeHandle) emit(m protocol.Message) {
	h.req.OnMessage(protocol.MustWrap(m))
}

func (h *fakeHandle) sentTypes() []protocol.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	var types []protocol.Type
	for _, env := range h.sent {
		types = append(types, env.Type)
	}
	return types
}

func (h *fakeHandle) reasons() []protocol.Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Reason(nil), h.terminated...)
}
