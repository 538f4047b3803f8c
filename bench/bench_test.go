// Package bench measures the cost of running games.
//
// Benchmarks: go test -bench=. -benchtime=100x ./bench/
package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/engine/lua"
	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/orchestrator"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
)

const gamesDir = "../games"

func newInline() *executor.Inline {
	pol := policy.Default()
	return &executor.Inline{
		Loader:  payload.NewLoader(gamesDir, pol),
		Engines: engine.NewSet(lua.New()),
		Policy:  pol,
		Allow:   []string{"trivia"},
	}
}

// --- Cold start: load, compile, and run init ---

func BenchmarkInline_Spawn(b *testing.B) {
	s := newInline()
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		h, err := s.Spawn(ctx, executor.SpawnRequest{
			Init: protocol.Init{
				RuntimeID:        fmt.Sprintf("rt-%d", i),
				SessionID:        "bench",
				GameID:           "trivia",
				HostConnectionID: "host",
			},
			OnMessage: func(protocol.Envelope) {},
			OnExit:    func(executor.ExitStatus) {},
		})
		if err != nil {
			b.Fatal(err)
		}
		h.Terminate(protocol.ReasonEnded)
	}
}

// --- Warm path: one action through the orchestrator and back ---

type signalSink struct {
	delivered chan struct{}
}

func (s *signalSink) SendToAll(string, string, json.RawMessage) {}
func (s *signalSink) SendToHost(string, string, json.RawMessage) {}
func (s *signalSink) SendToPlayer(string, string, json.RawMessage) {
	s.delivered <- struct{}{}
}

func BenchmarkOrchestrator_ActionRoundTrip(b *testing.B) {
	sink := &signalSink{delivered: make(chan struct{}, 1)}
	orch := orchestrator.New(newInline(), sink, policy.Default())
	defer orch.Shutdown(context.Background())

	err := orch.OpenSession(orchestrator.Session{
		ID:               "bench",
		Players:          []protocol.Player{{ConnectionID: "ann", DisplayName: "ann"}},
		HostConnectionID: "host",
	})
	if err != nil {
		b.Fatal(err)
	}
	if err := orch.SelectGame(context.Background(), "bench", "trivia"); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !orch.Action("bench", "ann", "hint", nil) {
			b.Fatal("action not delivered")
		}
		<-sink.delivered
	}
}

// --- Wire codec ---

func BenchmarkCodec_EncodeDecode(b *testing.B) {
	env := protocol.MustWrap(protocol.PlayerAction{
		ConnectionID: "ann",
		Action:       "answer",
		Data:         json.RawMessage(`{"choice":"b","elapsedMs":1830}`),
	})
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := enc.Encode(env); err != nil {
			b.Fatal(err)
		}
		if _, err := protocol.NewDecoder(&buf).Decode(); err != nil {
			b.Fatal(err)
		}
	}
}
