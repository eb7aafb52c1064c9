package lineio

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/nnbridge/bridge"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
	dirs  []Direction
}

func (r *recorder) Line(dir Direction, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
	r.lines = append(r.lines, line)
}

func (r *recorder) output() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for i, l := range r.lines {
		if r.dirs[i] == Output {
			out = append(out, l)
		}
	}
	return out
}

func TestStream_SubmitAndNextByte(t *testing.T) {
	rec := &recorder{}
	s := NewStream(rec)

	s.Submit("a")
	s.Submit("b")

	want := []byte{'a', '\n', 'b', '\n'}
	for i, w := range want {
		c, ok := s.NextByte()
		if !ok || c != w {
			t.Fatalf("NextByte #%d = %q, %v; want %q", i, c, ok, w)
		}
	}
	if _, ok := s.NextByte(); ok {
		t.Error("queue should be empty")
	}

	if len(rec.lines) != 2 || rec.lines[0] != "a" || rec.dirs[0] != Input {
		t.Errorf("echo = %v %v", rec.lines, rec.dirs)
	}
}

func TestStream_SingleLineThenEmpty(t *testing.T) {
	s := NewStream(nil)
	s.Submit("ab")

	for i, w := range []byte("ab\n") {
		c, ok := s.NextByte()
		if !ok || c != w {
			t.Fatalf("NextByte #%d = %q, %v; want %q", i, c, ok, w)
		}
	}
	if _, ok := s.NextByte(); ok {
		t.Error("fourth read should report nothing queued")
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d", s.Buffered())
	}
}

func TestStream_PutByte(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []string
	}{
		{"lf flush", []byte("= ok\n"), []string{"= ok"}},
		{"nul flush", []byte("ready\x00"), []string{"ready"}},
		{"crlf is one empty line", []byte{0x0d, 0x0a}, []string{""}},
		{"crlf after text", []byte("done\r\n"), []string{"done"}},
		{"lone cr overwrites", []byte("10%\r20%\r30%\n"), []string{"30%"}},
		{"two lines", []byte("a\nb\n"), []string{"a", "b"}},
		{"no terminator", []byte("partial"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s := NewStream(rec)
			for _, c := range tt.in {
				s.PutByte(c)
			}
			got := rec.output()
			if len(got) != len(tt.want) {
				t.Fatalf("lines = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestStream_Writer(t *testing.T) {
	rec := &recorder{}
	s := NewStream(rec)

	n, err := io.WriteString(s.Writer(), "= \n\n")
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	got := rec.output()
	if len(got) != 2 || got[0] != "= " || got[1] != "" {
		t.Errorf("lines = %q", got)
	}
}

func TestStream_Wait(t *testing.T) {
	s := NewStream(nil)

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned before input")
	case <-time.After(20 * time.Millisecond):
	}

	s.Submit("genmove b")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not wake on submit")
	}
}

func TestStream_WaitContext(t *testing.T) {
	s := NewStream(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

func TestStream_ReaderBlocksThroughBridge(t *testing.T) {
	loop := bridge.NewLoop()
	defer loop.Close()
	b := bridge.New(loop)
	s := NewStream(nil)
	r := s.Reader(context.Background(), b)

	type result struct {
		data string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := r.Read(buf)
		got <- result{string(buf[:n]), err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !b.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("reader never suspended")
		}
		time.Sleep(time.Millisecond)
	}

	s.Submit("name")
	res := <-got
	if res.err != nil || res.data != "name\n" {
		t.Errorf("Read = %q, %v", res.data, res.err)
	}
}

func TestStream_ReaderEOFAfterClose(t *testing.T) {
	s := NewStream(nil)
	s.Submit("quit")
	s.Close()

	if s.Submit("late") {
		t.Error("Submit after Close should fail")
	}

	data, err := io.ReadAll(s.Reader(context.Background(), nil))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "quit\n" {
		t.Errorf("data = %q", data)
	}
	s.Close()
}
