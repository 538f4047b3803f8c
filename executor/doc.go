// Package executor runs game payloads behind one of three interchangeable
// strategies and speaks the envelope protocol with them.
//
// # Strategies
//
//   - [Inline] drives a sandbox host inside this process. It only accepts
//     games on its allowlist.
//   - [Process] starts the wrapper binary as a child process and exchanges
//     envelopes over its stdin and stdout.
//   - [Container] runs the wrapper in a locked-down container and exchanges
//     envelopes over TCP on an internal bridge network.
//
// [Select] probes the container runtime once at boot and picks Container
// when it answers, Process otherwise.
//
// # Lifecycle
//
//	h, err := strategy.Spawn(ctx, executor.SpawnRequest{
//	    Init:      protocol.Init{RuntimeID: id, SessionID: sid, GameID: "trivia"},
//	    OnMessage: route,
//	    OnExit:    exited,
//	})
//	h.Send(protocol.MustWrap(protocol.PlayerJoin{ConnectionID: "c1"}))
//	h.Terminate(protocol.ReasonEnded)
//
// Spawn returns once the runtime answered INIT with READY. Send never
// blocks. Terminate sends END_GAME, then escalates to a forced stop and a
// hard kill on the policy's grace windows.
package executor
