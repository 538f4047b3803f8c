// Package partybox runs untrusted party games next to a live lobby.
//
// # Overview
//
// A game is a directory under the games root holding a game.hcl manifest and
// an entry file, either Lua or a WASI module. The host never runs game code in
// its own trust domain unless the game is explicitly allowlisted: each game
// instance gets a runtime of its own and talks to the host only through
// JSON-lines envelopes.
//
// # Strategies
//
//   - container: one hardened Docker container per instance
//   - child-process: the partybox binary re-executed as a wrapper
//   - inline: in-process, for allowlisted games only
//
// # Basic Usage
//
//	boot, _ := executor.Select(ctx, executor.ModeAuto, container, process, logger)
//	orch := orchestrator.New(boot, sink, policy.Default())
//
//	orch.OpenSession(orchestrator.Session{ID: "s1", HostConnectionID: "host"})
//	orch.Join("s1", protocol.Player{ConnectionID: "c1", DisplayName: "Ann"})
//	orch.SelectGame(ctx, "s1", "trivia")
//	orch.Action("s1", "c1", "answer", json.RawMessage(`"b"`))
//
// See the [orchestrator], [executor], [sandbox], and [health] packages for
// detailed API documentation.
package partybox
