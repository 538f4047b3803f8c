package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/protocol"
)

const inboxSize = 256

// link is the transport-independent half of a handle: the inbound queue,
// the INIT/READY handshake, in-order delivery of outbound envelopes, and
// exit bookkeeping.
type link struct {
	id        string
	inbox     chan protocol.Envelope
	onMessage func(protocol.Envelope)
	onExit    func(ExitStatus)

	ready   chan struct{}
	initErr chan error
	done    chan struct{}

	mu          sync.Mutex
	readySeen   bool
	closed      bool
	established bool
	exited      bool
	requested   bool
}

func newLink(req SpawnRequest) *link {
	onMessage := req.OnMessage
	if onMessage == nil {
		onMessage = func(protocol.Envelope) {}
	}
	return &link{
		id:        req.Init.RuntimeID,
		inbox:     make(chan protocol.Envelope, inboxSize),
		onMessage: onMessage,
		onExit:    req.OnExit,
		ready:     make(chan struct{}),
		initErr:   make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (l *link) ID() string { return l.id }

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Send(env protocol.Envelope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.inbox <- env:
		return true
	default:
		return false
	}
}

// deliver is called by the single reader goroutine for every outbound
// envelope.
func (l *link) deliver(env protocol.Envelope) {
	l.mu.Lock()
	handshaking := !l.readySeen
	if handshaking && env.Type == protocol.TypeReady {
		l.readySeen = true
	}
	l.mu.Unlock()

	if handshaking {
		switch env.Type {
		case protocol.TypeReady:
			close(l.ready)
			return
		case protocol.TypeError:
			msg, err := env.Decode()
			if err == nil {
				e := msg.(protocol.Error)
				code := fault.Code(e.Code)
				if code == "" {
					code = fault.CodeUnknown
				}
				select {
				case l.initErr <- fault.New(code, e.Message):
				default:
				}
				return
			}
		}
	}
	if !env.Type.Outbound() {
		return
	}
	l.onMessage(env)
}

// awaitReady sends INIT and waits for READY.
func (l *link) awaitReady(ctx context.Context, init protocol.Init, timeout time.Duration) error {
	if !l.Send(protocol.MustWrap(init)) {
		return fault.Wrap(fault.CodeTransport, "send INIT", ErrExited)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ready:
	case err := <-l.initErr:
		return err
	case <-l.done:
		select {
		case err := <-l.initErr:
			return err
		default:
		}
		return fault.Wrap(fault.CodeRuntimeCrash, "before READY", ErrExited)
	case <-timer.C:
		return fault.Wrap(fault.CodeTransport, fmt.Sprintf("no READY within %v", timeout), ErrHandshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exited {
		return fault.Wrap(fault.CodeRuntimeCrash, "after READY", ErrExited)
	}
	l.established = true
	return nil
}

// markRequested records that Terminate was called.
func (l *link) markRequested() {
	l.mu.Lock()
	l.requested = true
	l.mu.Unlock()
}

// finish closes the link once the runtime is gone and reports the exit to
// the owner if the spawn had succeeded.
func (l *link) finish(err error) {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		return
	}
	l.exited = true
	l.closed = true
	notify := l.established
	status := ExitStatus{Err: err, Requested: l.requested}
	l.mu.Unlock()

	close(l.done)
	if notify && l.onExit != nil {
		l.onExit(status)
	}
}

// waitDone reports whether the runtime exited within d.
func (l *link) waitDone(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-l.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}

// pump writes queued inbound envelopes with write until the link closes or
// write fails.
func (l *link) pump(write func(protocol.Envelope) error) {
	for {
		select {
		case env := <-l.inbox:
			if err := write(env); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}
