package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/protocol"
	"github.com/caffeineduck/partybox/sandbox"
)

// Inline runs the sandbox host inside this process. It shares the host's
// memory and CPU, so it only runs games on its allowlist.
type Inline struct {
	Loader  *payload.Loader
	Engines engine.Set
	Policy  *policy.Policy
	Allow   []string
	Logger  *slog.Logger
}

func (s *Inline) Kind() Kind { return KindInline }

// Permits reports whether gameID is on the allowlist.
func (s *Inline) Permits(gameID string) bool {
	return slices.Contains(s.Allow, gameID)
}

func (s *Inline) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if !s.Permits(req.Init.GameID) {
		return nil, fault.Wrap(fault.CodeValidation, req.Init.GameID, ErrNotAllowed)
	}

	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("runtime", req.Init.RuntimeID, "strategy", KindInline)

	l := newLink(req)
	outbox := make(chan protocol.Envelope, inboxSize)
	runCtx, cancel := context.WithCancel(context.Background())

	emit := func(env protocol.Envelope) error {
		select {
		case outbox <- env:
			return nil
		case <-runCtx.Done():
			return fmt.Errorf("runtime %s closed", req.Init.RuntimeID)
		}
	}
	host := sandbox.NewHost(s.Loader, s.Engines, s.Policy, emit, sandbox.WithLogger(logger))

	h := &inlineHandle{link: l, host: host, cancel: cancel, policy: s.Policy}

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for {
			select {
			case env := <-outbox:
				l.deliver(env)
			case <-runCtx.Done():
				for {
					select {
					case env := <-outbox:
						l.deliver(env)
					default:
						return
					}
				}
			}
		}
	}()

	go func() {
		var exitErr error
		for {
			select {
			case env := <-l.inbox:
				done, err := host.Handle(runCtx, env)
				if done {
					if env.Type != protocol.TypeEndGame {
						exitErr = err
					}
					cancel()
					<-delivered
					host.Close()
					l.finish(exitErr)
					return
				}
			case <-host.Exited():
				exitErr = host.GameExited()
				cancel()
				<-delivered
				host.Close()
				l.finish(exitErr)
				return
			case <-runCtx.Done():
				<-delivered
				host.Close()
				l.finish(exitErr)
				return
			}
		}
	}()

	if err := l.awaitReady(ctx, req.Init, s.Policy.HandshakeTimeout); err != nil {
		h.abort()
		return nil, err
	}
	return h, nil
}

type inlineHandle struct {
	*link
	host   *sandbox.Host
	cancel context.CancelFunc
	policy *policy.Policy
}

func (h *inlineHandle) Terminate(reason protocol.Reason) {
	h.markRequested()
	if h.Send(protocol.MustWrap(protocol.EndGame{Reason: reason})) && h.waitDone(h.policy.EndGameGrace) {
		return
	}
	// There is no process to signal; abandoning the worker is the hard stop.
	h.cancel()
	h.waitDone(h.policy.StopGrace + time.Second)
}

func (h *inlineHandle) abort() {
	h.cancel()
	<-h.done
}

func (h *inlineHandle) Health(ctx context.Context) Stats {
	return Stats{}
}
