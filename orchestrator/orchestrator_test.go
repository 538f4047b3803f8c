package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/health"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

var roster = []protocol.Player{
	{ConnectionID: "c1", DisplayName: "Ann"},
	{ConnectionID: "c2", DisplayName: "Bo"},
	{ConnectionID: "c3", DisplayName: "Cy"},
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orch     *Orchestrator
	strategy *fakeStrategy
	sink     *recordingSink
	clock    *clock
	policy   *policy.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		strategy: &fakeStrategy{},
		sink:     &recordingSink{},
		clock:    &clock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)},
		policy:   policy.Default(),
	}
	f.orch = New(f.strategy, f.sink, f.policy, WithClock(f.clock.Now))
	require.NoError(t, f.orch.OpenSession(Session{
		ID:               "s1",
		Players:          roster,
		HostConnectionID: "host",
		State:            json.RawMessage(`{"round":1,"score":10}`),
	}))
	t.Cleanup(func() { f.orch.Shutdown(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) *fakeHandle {
	t.Helper()
	before := len(f.strategy.spawned())
	require.NoError(t, f.orch.SelectGame(context.Background(), "s1", "trivia"))
	hs := f.strategy.spawned()
	require.Len(t, hs, before+1)
	return hs[len(hs)-1]
}

// waitReady blocks until h backs the session's ready runtime.
func (f *fixture) waitReady(t *testing.T, h *fakeHandle) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst := f.orch.Instances()
		return len(inst) == 1 && inst[0].ID == h.ID() && inst[0].State == Ready
	}, 5*time.Second, 10*time.Millisecond)
}

var crashNotice = `{"message":"` + fault.UserMessage(fault.CodeRuntimeCrash) + `","code":"RUNTIME_CRASH"}`

func TestSelectGameReplaysRosterInOrder(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	init := h.req.Init
	require.Equal(t, "s1", init.SessionID)
	require.Equal(t, "trivia", init.GameID)
	require.Equal(t, "host", init.HostConnectionID)
	require.JSONEq(t, `{"round":1,"score":10}`, string(init.State))

	var joined []protocol.Player
	for _, env := range h.sent {
		msg, err := env.Decode()
		require.NoError(t, err)
		joined = append(joined, protocol.Player(msg.(protocol.PlayerJoin)))
	}
	if diff := cmp.Diff(roster, joined); diff != "" {
		t.Errorf("replay mismatch (-want +got):\n%s", diff)
	}

	instances := f.orch.Instances()
	require.Len(t, instances, 1)
	require.Equal(t, Ready, instances[0].State)
	require.Equal(t, h.ID(), instances[0].ID)
}

func TestSelectGameRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	err := f.orch.SelectGame(context.Background(), "s1", "../etc")
	require.True(t, fault.Is(err, fault.CodeValidation))

	err = f.orch.SelectGame(context.Background(), "nope", "trivia")
	require.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSelectGameSpawnFailureLeavesNoInstance(t *testing.T) {
	f := newFixture(t)
	f.strategy.spawnErr = fault.Wrap(fault.CodeTransport, "no READY", executor.ErrHandshakeTimeout)

	err := f.orch.SelectGame(context.Background(), "s1", "trivia")
	require.True(t, errors.Is(err, executor.ErrHandshakeTimeout))
	require.Empty(t, f.orch.Instances())
	require.Equal(t, []delivery{
		{"all", "s1", EventError, `{"message":"` + fault.UserMessage(fault.CodeTransport) + `","code":"TRANSPORT_FAILURE"}`},
	}, f.sink.events())
}

func TestSelectGameReplacesRunningGame(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)
	second := f.start(t)

	require.Equal(t, []protocol.Reason{protocol.ReasonReplaced}, first.reasons())
	require.NotEqual(t, first.ID(), second.ID())

	instances := f.orch.Instances()
	require.Len(t, instances, 1)
	require.Equal(t, second.ID(), instances[0].ID)

	// The replaced runtime can no longer reach players.
	first.emit(protocol.SendToAll{Event: "ghost"})
	require.Empty(t, f.sink.events())
}

func TestSetStateReplacesWholeState(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	h.emit(protocol.SetState{State: json.RawMessage(`{"round":2}`)})

	s, ok := f.orch.Session("s1")
	require.True(t, ok)
	require.Equal(t, `{"round":2}`, string(s.State))
}

func TestStateSetDuringInitIsKept(t *testing.T) {
	f := newFixture(t)
	f.strategy.onSpawn = func(h *fakeHandle) {
		h.emit(protocol.SetState{State: json.RawMessage(`{"round":0}`)})
	}
	f.start(t)

	s, _ := f.orch.Session("s1")
	require.Equal(t, `{"round":0}`, string(s.State))
}

func TestRouting(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	h.emit(protocol.SendToAll{Event: "question", Data: json.RawMessage(`"2+2?"`)})
	h.emit(protocol.SendToPlayer{ConnectionID: "c2", Event: "hint", Data: json.RawMessage(`4`)})
	h.emit(protocol.SendToPlayer{ConnectionID: "stranger", Event: "hint"})
	h.emit(protocol.SendToHost{Event: "scores", Data: json.RawMessage(`{}`)})
	h.emit(protocol.Error{Message: "attempt to index nil at main.lua:12", Code: string(fault.CodeSecurity)})

	want := []delivery{
		{"all", "s1", "question", `"2+2?"`},
		{"player", "c2", "hint", `4`},
		{"host", "s1", "scores", `{}`},
		{"all", "s1", EventError, `{"message":"The game tried to do something it is not allowed to do.","code":"SECURITY_VIOLATION"}`},
	}
	if diff := cmp.Diff(want, f.sink.events()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestActionReachesRuntimeOnce(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	require.True(t, f.orch.Action("s1", "c1", "answer", json.RawMessage(`"b"`)))
	require.False(t, f.orch.Action("s1", "intruder", "answer", nil))
	require.False(t, f.orch.Action("missing", "c1", "answer", nil))

	actions := 0
	for _, typ := range h.sentTypes() {
		if typ == protocol.TypePlayerAction {
			actions++
		}
	}
	require.Equal(t, 1, actions)
}

func TestJoinAndLeaveReachRuntime(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	require.NoError(t, f.orch.Join("s1", protocol.Player{ConnectionID: "c4", DisplayName: "Di"}))
	require.NoError(t, f.orch.Leave("s1", "c2"))

	types := h.sentTypes()
	require.Equal(t, protocol.TypePlayerJoin, types[len(types)-2])
	require.Equal(t, protocol.TypePlayerDisconnect, types[len(types)-1])

	s, _ := f.orch.Session("s1")
	require.Equal(t, []string{"c1", "c3", "c4"}, connectionIDs(s.Players))
}

func connectionIDs(players []protocol.Player) []string {
	var ids []string
	for _, p := range players {
		ids = append(ids, p.ConnectionID)
	}
	return ids
}

func TestIdleRuntimeIsKilled(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)
	monitor := health.NewMonitor(f.orch, f.policy, health.WithClock(f.clock.Now))

	f.clock.Advance(121 * time.Second)
	require.Equal(t, 1, monitor.Sweep(context.Background()))

	require.Equal(t, []protocol.Reason{protocol.ReasonInactive}, h.reasons())
	require.Empty(t, f.orch.Instances())
	require.Contains(t, f.sink.events(), delivery{"all", "s1", EventEnded, `{"reason":"INACTIVE"}`})

	// A killed runtime is not restarted.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.strategy.spawned(), 1)
}

func TestSpamTriggersExactlyOneKill(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)
	monitor := health.NewMonitor(f.orch, f.policy, health.WithClock(f.clock.Now))

	for i := 0; i <= f.policy.MessageCeiling; i++ {
		h.emit(protocol.SendToHost{Event: "tick"})
	}
	require.Equal(t, 1, monitor.Sweep(context.Background()))

	for i := 0; i < 10; i++ {
		h.emit(protocol.SendToHost{Event: "tick"})
	}
	require.Equal(t, 0, monitor.Sweep(context.Background()))
	require.False(t, f.orch.Kill(context.Background(), "s1", h.ID(), protocol.ReasonSpam))
	require.Equal(t, []protocol.Reason{protocol.ReasonSpam}, h.reasons())
}

func TestMemoryIsOnlyJudgedWhenMeasured(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)
	monitor := health.NewMonitor(f.orch, f.policy, health.WithClock(f.clock.Now))

	h.mu.Lock()
	h.stats = executor.Stats{MemoryFraction: 0.95}
	h.mu.Unlock()
	require.Equal(t, 0, monitor.Sweep(context.Background()))

	h.mu.Lock()
	h.stats = executor.Stats{MemoryFraction: 0.95, HasMemory: true}
	h.mu.Unlock()
	require.Equal(t, 1, monitor.Sweep(context.Background()))
	require.Equal(t, []protocol.Reason{protocol.ReasonMemoryLimit}, h.reasons())
}

func TestCrashRestartsWithLatestState(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)
	h.emit(protocol.SetState{State: json.RawMessage(`{"round":4}`)})

	h.crash()
	hs := f.strategy.waitSpawns(t, 2)
	restarted := hs[1]

	require.NotEqual(t, h.ID(), restarted.ID())
	require.JSONEq(t, `{"round":4}`, string(restarted.req.Init.State))

	f.waitReady(t, restarted)
	require.Equal(t, 1, f.orch.Instances()[0].Restarts)
	require.Len(t, restarted.sentTypes(), len(roster))

	// Players hear about the crash even though the game came back.
	require.Equal(t, []delivery{{"all", "s1", EventError, crashNotice}}, f.sink.events())
}

func TestRestartCeiling(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	h.crash()
	h = f.strategy.waitSpawns(t, 2)[1]
	f.waitReady(t, h)
	h.crash()
	h = f.strategy.waitSpawns(t, 3)[2]
	f.waitReady(t, h)
	h.crash()

	got := f.sink.waitFor(t, 4)
	require.Equal(t, []delivery{
		{"all", "s1", EventError, crashNotice},
		{"all", "s1", EventError, crashNotice},
		{"all", "s1", EventError, crashNotice},
		{"all", "s1", EventFailed, `{"message":"` + failedNotice + `","code":"RUNTIME_CRASH"}`},
	}, got)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.strategy.spawned(), 3)
	require.Empty(t, f.orch.Instances())
	s, _ := f.orch.Session("s1")
	require.True(t, s.Failed)
}

func TestEndGameIsIdempotent(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)

	require.NoError(t, f.orch.EndGame(context.Background(), "s1"))
	require.NoError(t, f.orch.EndGame(context.Background(), "s1"))

	require.Equal(t, []protocol.Reason{protocol.ReasonEnded}, h.reasons())
	require.Equal(t, []delivery{{"all", "s1", EventEnded, `{"reason":"ENDED"}`}}, f.sink.events())
}

func TestCloseSessionAndShutdown(t *testing.T) {
	f := newFixture(t)
	h := f.start(t)
	require.NoError(t, f.orch.OpenSession(Session{ID: "s2", HostConnectionID: "h2"}))
	require.NoError(t, f.orch.SelectGame(context.Background(), "s2", "trivia"))
	other := f.strategy.spawned()[1]

	require.NoError(t, f.orch.CloseSession(context.Background(), "s1"))
	require.Equal(t, []protocol.Reason{protocol.ReasonSessionClosed}, h.reasons())
	_, ok := f.orch.Session("s1")
	require.False(t, ok)

	require.NoError(t, f.orch.Shutdown(context.Background()))
	require.Equal(t, []protocol.Reason{protocol.ReasonShutdown}, other.reasons())
	require.ErrorIs(t, f.orch.OpenSession(Session{ID: "s3"}), ErrShuttingDown)
}

func TestOpenSessionRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.orch.OpenSession(Session{ID: "s1"}), ErrSessionExists)
}

func TestInlineOnlyForAllowlistedGames(t *testing.T) {
	f := newFixture(t)
	o := New(f.strategy, f.sink, f.policy, WithInline(&executor.Inline{Allow: []string{"tictactoe"}}))

	require.Equal(t, executor.KindInline, o.strategyFor("tictactoe").Kind())
	require.Equal(t, executor.KindProcess, o.strategyFor("trivia").Kind())
}

func TestLifecycleOnlyMovesForward(t *testing.T) {
	inst := &instance{state: Starting}

	require.True(t, inst.advance(Ready))
	require.True(t, inst.advance(Terminating))
	require.False(t, inst.advance(Ready))
	require.True(t, inst.advance(Exited))
	require.False(t, inst.advance(Starting))
	require.Equal(t, Exited, inst.state)
	require.Equal(t, "exited", inst.state.String())
}

func TestPlayerBoundsFromManifest(t *testing.T) {
	f := newFixture(t)
	f.orch.catalog = payload.NewLoader("testdata/games", f.policy)

	t.Run("too few players to start", func(t *testing.T) {
		require.NoError(t, f.orch.OpenSession(Session{ID: "solo", Players: roster[:1], HostConnectionID: "h"}))
		err := f.orch.SelectGame(context.Background(), "solo", "trivia")
		require.True(t, fault.Is(err, fault.CodeValidation), "expected VALIDATION, got %v", err)
		require.Contains(t, err.Error(), "at least 2 players")
		require.Empty(t, f.strategy.spawned())
	})

	t.Run("unknown game", func(t *testing.T) {
		err := f.orch.SelectGame(context.Background(), "s1", "nope")
		require.True(t, fault.Is(err, fault.CodeNotFound), "expected NOT_FOUND, got %v", err)
		require.Empty(t, f.strategy.spawned())
	})

	t.Run("joins stop at the ceiling", func(t *testing.T) {
		f.start(t)
		for i := len(roster); i < 8; i++ {
			id := fmt.Sprintf("extra%d", i)
			require.NoError(t, f.orch.Join("s1", protocol.Player{ConnectionID: id, DisplayName: id}))
		}
		err := f.orch.Join("s1", protocol.Player{ConnectionID: "late", DisplayName: "Late"})
		require.ErrorIs(t, err, ErrGameFull)
		require.True(t, fault.Is(err, fault.CodeValidation))

		// A known connection rejoining is not a new seat.
		require.NoError(t, f.orch.Join("s1", protocol.Player{ConnectionID: "c1", DisplayName: "Ann again"}))

		snap, _ := f.orch.Session("s1")
		require.Len(t, snap.Players, 8)
	})

	t.Run("ending the game lifts the ceiling", func(t *testing.T) {
		require.NoError(t, f.orch.EndGame(context.Background(), "s1"))
		require.NoError(t, f.orch.Join("s1", protocol.Player{ConnectionID: "late", DisplayName: "Late"}))

		err := f.orch.SelectGame(context.Background(), "s1", "trivia")
		require.True(t, fault.Is(err, fault.CodeValidation), "expected VALIDATION, got %v", err)
		require.Contains(t, err.Error(), "at most 8 players")
	})
}
