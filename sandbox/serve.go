package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/caffeineduck/partybox/gameapi"
	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/protocol"
)

// HostFactory builds a host that emits through emit.
type HostFactory func(emit gameapi.Emitter) *Host

// Serve feeds envelopes from dec to host, one at a time, until the host is
// done, the stream ends, or ctx is cancelled. Lines that are not envelopes are
// reported as ERROR and skipped.
func Serve(ctx context.Context, host *Host, dec *protocol.Decoder) error {
	type item struct {
		env protocol.Envelope
		err error
	}
	items := make(chan item)
	go func() {
		defer close(items)
		for {
			env, err := dec.Decode()
			select {
			case items <- item{env, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !protocol.Recoverable(err) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			host.Close()
			return ctx.Err()
		case <-host.Exited():
			return host.GameExited()
		case it, ok := <-items:
			if !ok {
				host.Close()
				return ctx.Err()
			}
			if it.err != nil {
				if it.err == io.EOF {
					host.Close()
					return nil
				}
				if protocol.Recoverable(it.err) {
					host.mu.Lock()
					host.report(fault.Wrap(fault.CodeProtocol, "read envelope", it.err), false)
					host.mu.Unlock()
					continue
				}
				host.Close()
				return fmt.Errorf("read envelope: %w", it.err)
			}

			done, err := host.Handle(ctx, it.env)
			if done {
				if err != nil && it.env.Type != protocol.TypeEndGame {
					return err
				}
				return nil
			}
		}
	}
}

// ServeConn runs one host over a duplex stream.
func ServeConn(ctx context.Context, rw io.ReadWriter, newHost HostFactory) error {
	enc := protocol.NewEncoder(rw)
	host := newHost(enc.Encode)
	return Serve(ctx, host, protocol.NewDecoder(rw))
}

// ListenAndServe accepts exactly one connection on addr, the orchestrator's,
// and serves it.
func ListenAndServe(ctx context.Context, addr string, newHost HostFactory) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return ServeListener(ctx, ln, newHost)
}

// ServeListener accepts one connection from ln, closes ln, and serves the
// connection.
func ServeListener(ctx context.Context, ln net.Listener, newHost HostFactory) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		ln.Close()
		return ctx.Err()
	case err := <-acceptErr:
		ln.Close()
		return fmt.Errorf("accept: %w", err)
	case conn = <-accepted:
	}
	ln.Close()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return ServeConn(ctx, conn, newHost)
}
