package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/partybox/hostfunc"
)

// Guest framing on stderr. Calls are \x00PARTY:{json}\x00 and are answered
// with one JSON line on stdin.
const (
	callPrefix   = "\x00PARTY:"
	frameSuffix  = "\x00"
	readySignal  = "\x00PARTY_READY\x00"
	doneSignal   = "\x00PARTY_DONE\x00"
	errorPrefix  = "\x00PARTY_ERROR:"
	maxLogBuffer = 64 << 10
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// guestProtocol intercepts guest stderr. Signals and call frames are
// consumed; everything else is guest log output.
type guestProtocol struct {
	registry *hostfunc.Registry
	stdin    io.Writer
	log      func(string)

	mu      sync.Mutex
	ctx     context.Context
	buf     bytes.Buffer
	readyCh chan struct{}
	ready   bool
	doneCh  chan error

	writeMu sync.Mutex
}

func newGuestProtocol(registry *hostfunc.Registry, stdin io.Writer, log func(string)) *guestProtocol {
	return &guestProtocol{
		registry: registry,
		stdin:    stdin,
		log:      log,
		ctx:      context.Background(),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan error, 1),
	}
}

func (p *guestProtocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for p.next() {
	}
	if p.buf.Len() > maxLogBuffer && !strings.Contains(p.buf.String(), "\x00") {
		p.flushLog(p.buf.String())
		p.buf.Reset()
	}
	return len(data), nil
}

// next consumes one complete frame from the buffer, if any.
func (p *guestProtocol) next() bool {
	content := p.buf.String()
	start := strings.Index(content, "\x00")
	if start == -1 {
		if i := strings.LastIndex(content, "\n"); i != -1 {
			p.flushLog(content[:i])
			p.buf.Reset()
			p.buf.WriteString(content[i+1:])
		}
		return false
	}

	rest := content[start:]
	switch {
	case strings.HasPrefix(rest, readySignal):
		p.consume(content, start, len(readySignal))
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
		return true

	case strings.HasPrefix(rest, doneSignal):
		p.consume(content, start, len(doneSignal))
		p.finish(nil)
		return true

	case strings.HasPrefix(rest, errorPrefix):
		end := strings.Index(rest[len(errorPrefix):], frameSuffix)
		if end == -1 {
			return false
		}
		msg := rest[len(errorPrefix) : len(errorPrefix)+end]
		p.consume(content, start, len(errorPrefix)+end+1)
		p.finish(errors.New(msg))
		return true

	case strings.HasPrefix(rest, callPrefix):
		end := strings.Index(rest[len(callPrefix):], frameSuffix)
		if end == -1 {
			return false
		}
		payload := rest[len(callPrefix) : len(callPrefix)+end]
		p.consume(content, start, len(callPrefix)+end+1)
		p.handleCall(payload)
		return true
	}

	if isFramePrefix(rest) {
		if start > 0 {
			p.consume(content, start, 0)
		}
		return false
	}

	// A stray NUL that starts no frame is log output.
	p.consume(content, start, 1)
	return true
}

func isFramePrefix(s string) bool {
	for _, frame := range []string{readySignal, doneSignal, errorPrefix, callPrefix} {
		if strings.HasPrefix(frame, s) {
			return true
		}
	}
	return false
}

// consume logs text before a frame at start and drops the frame of length n.
func (p *guestProtocol) consume(content string, start, n int) {
	if start > 0 {
		p.flushLog(content[:start])
	}
	p.buf.Reset()
	p.buf.WriteString(content[start+n:])
}

func (p *guestProtocol) flushLog(text string) {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" && p.log != nil {
			p.log(line)
		}
	}
}

func (p *guestProtocol) finish(err error) {
	select {
	case p.doneCh <- err:
	default:
	}
}

// handleCall answers from a goroutine: the guest is blocked in its stderr
// write until Write returns and cannot read stdin before then.
func (p *guestProtocol) handleCall(payload string) {
	ctx := p.ctx
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		go p.respond(callResponse{Error: "invalid call format"})
		return
	}
	go func() {
		result, err := p.registry.Call(ctx, req.Fn, req.Args)
		if err != nil {
			p.respond(callResponse{Error: err.Error()})
			return
		}
		p.respond(callResponse{Data: result})
	}()
}

func (p *guestProtocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	p.send(data)
}

func (p *guestProtocol) send(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(append(line, '\n'))
	return err
}

func (p *guestProtocol) Ready() <-chan struct{} {
	return p.readyCh
}

// begin resets completion state for the next envelope and binds ctx to the
// host calls it makes.
func (p *guestProtocol) begin(ctx context.Context) <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
	p.doneCh = make(chan error, 1)
	return p.doneCh
}
