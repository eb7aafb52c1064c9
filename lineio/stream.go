// Package lineio turns line-at-a-time user input into the byte-at-a-time
// stdin the engine polls, and reassembles the engine's output bytes into
// lines.
package lineio

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/errors"
)

// Direction tells a sink where a line came from.
type Direction int

const (
	// Input is a submitted command echoed to the transcript.
	Input Direction = iota
	// Output is a line the engine wrote.
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// LineSink receives completed lines.
type LineSink interface {
	Line(dir Direction, line string)
}

// SinkFunc adapts a function to LineSink.
type SinkFunc func(dir Direction, line string)

func (f SinkFunc) Line(dir Direction, line string) { f(dir, line) }

const (
	flushNUL = 0x00
	flushLF  = 0x0a
	carriage = 0x0d
)

// Stream holds the pending input queue and the partial output line.
type Stream struct {
	sink    LineSink
	notify  chan struct{}
	in      []byte
	out     []byte
	mu      sync.Mutex
	pending bool
	closed  bool
}

func NewStream(sink LineSink) *Stream {
	if sink == nil {
		sink = SinkFunc(func(Direction, string) {})
	}
	return &Stream{sink: sink, notify: make(chan struct{})}
}

// Submit queues line followed by a newline and echoes it to the sink.
// It returns false after Close.
func (s *Stream) Submit(line string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.in = append(s.in, line...)
	s.in = append(s.in, '\n')
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	s.sink.Line(Input, line)
	return true
}

// NextByte pops the next queued input byte. It never blocks.
func (s *Stream) NextByte() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) == 0 {
		return 0, false
	}
	c := s.in[0]
	s.in = s.in[1:]
	return c, true
}

// Buffered returns the number of queued input bytes.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.in)
}

// PutByte accumulates one output byte. NUL or LF flushes the line. CR marks
// the line as already shown, so the next ordinary byte starts it over.
func (s *Stream) PutByte(c byte) {
	s.mu.Lock()
	switch {
	case c == flushNUL || c == flushLF:
		line := string(s.out)
		s.out = s.out[:0]
		s.pending = false
		s.mu.Unlock()
		s.sink.Line(Output, line)
		return
	case c == carriage:
		s.pending = true
	default:
		if s.pending {
			s.pending = false
			s.out = s.out[:0]
		}
		s.out = append(s.out, c)
	}
	s.mu.Unlock()
}

// Wait blocks until input is queued, ctx is done or the stream is closed.
func (s *Stream) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.in) > 0 {
			s.mu.Unlock()
			return nil
		}
		if s.closed {
			s.mu.Unlock()
			return errors.Closed("line stream")
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close wakes every waiter. Queued input can still be drained.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Reader returns an io.Reader suitable as the engine's stdin. When the queue
// is empty the read parks through b until a line is submitted. After Close
// and once drained it returns io.EOF. b may be nil, in which case the read
// blocks directly.
func (s *Stream) Reader(ctx context.Context, b *bridge.Bridge) io.Reader {
	return &reader{ctx: ctx, s: s, b: b}
}

// Writer returns an io.Writer that feeds PutByte.
func (s *Stream) Writer() io.Writer {
	return writer{s}
}

type reader struct {
	ctx context.Context
	s   *Stream
	b   *bridge.Bridge
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if n := r.s.drain(p); n > 0 {
			return n, nil
		}

		var err error
		if r.b != nil {
			_, err = r.b.Suspend(r.ctx, bridge.Go(bridge.CmdReadLine, func(ctx context.Context) (uint64, error) {
				return 0, r.s.Wait(ctx)
			}))
		} else {
			err = r.s.Wait(r.ctx)
		}
		if err != nil {
			if stderrors.Is(err, errors.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}
	}
}

func (s *Stream) drain(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n
}

type writer struct{ s *Stream }

func (w writer) Write(p []byte) (int, error) {
	for _, c := range p {
		w.s.PutByte(c)
	}
	return len(p), nil
}
