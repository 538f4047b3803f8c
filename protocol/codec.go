package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxEnvelopeSize bounds a single encoded envelope line.
const MaxEnvelopeSize = 1 << 20

// Encoder writes newline-delimited envelopes. It is safe for concurrent use;
// each envelope is written atomically.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeSize {
		return fmt.Errorf("encode envelope: %s exceeds %d bytes", env.Type, MaxEnvelopeSize)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Send wraps and encodes m.
func (e *Encoder) Send(m Message) error {
	env, err := Wrap(m)
	if err != nil {
		return err
	}
	return e.Encode(env)
}

// Decoder reads newline-delimited envelopes. Blank lines are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxEnvelopeSize)
	return &Decoder{scanner: s}
}

// Decode returns the next envelope, or io.EOF when the stream ends. A line
// that is not an envelope yields ErrMalformed or ErrUnknownType and leaves the
// decoder usable; any other error is terminal.
func (d *Decoder) Decode() (Envelope, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if errors.Is(err, ErrUnknownType) {
				return Envelope{}, err
			}
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return env, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

// Recoverable reports whether a Decode error concerned only one line, so the
// stream can keep being read.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownType)
}
