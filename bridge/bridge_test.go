package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	bridgeerrors "github.com/wippyai/nnbridge/errors"
)

func newBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(loop.Close)
	return New(loop, opts...)
}

func TestSuspend_Value(t *testing.T) {
	b := newBridge(t)

	v, err := b.Suspend(context.Background(), Go(CmdPredict, func(context.Context) (uint64, error) {
		return 42, nil
	}))
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if v != 42 {
		t.Errorf("value = %d, want 42", v)
	}
	if b.Pending() {
		t.Error("suspension should be cleared after resume")
	}
}

func TestSuspend_Error(t *testing.T) {
	b := newBridge(t)
	opErr := errors.New("fetch failed")

	_, err := b.Suspend(context.Background(), Go(CmdDownloadModel, func(context.Context) (uint64, error) {
		return 0, opErr
	}))
	if !errors.Is(err, opErr) {
		t.Errorf("err = %v, want %v", err, opErr)
	}
}

func TestSuspend_PanicResumesWithFailure(t *testing.T) {
	tests := []struct {
		name string
		op   PendingOp
	}{
		{"panic in start", Func(CmdSetBackend, func(context.Context, Resume) {
			panic("start exploded")
		})},
		{"panic in goroutine", Go(CmdPredict, func(context.Context) (uint64, error) {
			panic("worker exploded")
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBridge(t)
			_, err := b.Suspend(context.Background(), tt.op)
			var be *bridgeerrors.Error
			if !errors.As(err, &be) || be.Kind != bridgeerrors.KindPanic {
				t.Errorf("err = %v, want panic failure", err)
			}
		})
	}
}

func TestSuspend_SecondConcurrentCallRejected(t *testing.T) {
	b := newBridge(t)
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Suspend(context.Background(), Go(CmdDownloadModel, func(context.Context) (uint64, error) {
			close(started)
			<-release
			return 1, nil
		}))
	}()

	<-started
	_, err := b.Suspend(context.Background(), Go(CmdPredict, func(context.Context) (uint64, error) {
		t.Error("second operation must not start")
		return 0, nil
	}))
	if !errors.Is(err, bridgeerrors.ErrBusy) {
		t.Errorf("err = %v, want busy", err)
	}

	close(release)
	wg.Wait()
}

func TestSuspend_FirstResumeWins(t *testing.T) {
	b := newBridge(t)
	resumed := make(chan Resume, 1)

	v, err := b.Suspend(context.Background(), Func(CmdSetBackend, func(_ context.Context, resume Resume) {
		resume(YieldResult{Value: 1})
		resume(YieldResult{Value: 2, Error: errors.New("late")})
		resumed <- resume
	}))
	if err != nil || v != 1 {
		t.Fatalf("Suspend = %d, %v; want 1, nil", v, err)
	}

	// A resume arriving after Suspend returned is dropped too.
	(<-resumed)(YieldResult{Value: 3})
}

func TestSuspend_ClosedLoop(t *testing.T) {
	loop := NewLoop()
	loop.Close()
	b := New(loop)

	_, err := b.Suspend(context.Background(), Go(CmdPredict, func(context.Context) (uint64, error) {
		return 1, nil
	}))
	if !errors.Is(err, bridgeerrors.ErrClosed) {
		t.Errorf("err = %v, want closed", err)
	}
	if b.Pending() {
		t.Error("failed suspension must not stay pending")
	}
}

func TestSuspend_NilOp(t *testing.T) {
	b := newBridge(t)
	if _, err := b.Suspend(context.Background(), nil); !errors.Is(err, bridgeerrors.ErrMisuse) {
		t.Errorf("err = %v, want misuse", err)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	ids   []CommandID
	errs  []error
	total time.Duration
}

func (r *recordingObserver) ObserveSuspend(id CommandID, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.errs = append(r.errs, err)
	r.total += elapsed
}

func TestSuspend_Observer(t *testing.T) {
	obs := &recordingObserver{}
	b := newBridge(t, WithObserver(obs))

	_, _ = b.Suspend(context.Background(), Go(CmdDownloadMetadata, func(context.Context) (uint64, error) {
		return 1, nil
	}))
	_, _ = b.Suspend(context.Background(), Go(CmdPredict, func(context.Context) (uint64, error) {
		return 0, errors.New("bad shape")
	}))

	if len(obs.ids) != 2 || obs.ids[0] != CmdDownloadMetadata || obs.ids[1] != CmdPredict {
		t.Fatalf("ids = %v", obs.ids)
	}
	if obs.errs[0] != nil || obs.errs[1] == nil {
		t.Errorf("errs = %v", obs.errs)
	}
}

func TestLoop_FIFO(t *testing.T) {
	loop := NewLoop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !loop.Post(func() { got = append(got, i) }) {
			t.Fatal("Post failed on open loop")
		}
	}
	loop.Close()

	if len(got) != 100 {
		t.Fatalf("ran %d callbacks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}

	if loop.Post(func() {}) {
		t.Error("Post after Close should fail")
	}
}

func TestLoop_SurvivesPanic(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	loop.Post(func() { panic("boom") })
	done := make(chan struct{})
	loop.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stopped after a panicking callback")
	}
}

func TestStatus(t *testing.T) {
	if Status(true) != 1 || Status(false) != 0 {
		t.Error("Status mapping")
	}
	if Code(nil) != 1 || Code(errors.New("x")) != 0 {
		t.Error("Code mapping")
	}
}

func TestCommandName(t *testing.T) {
	tests := []struct {
		id   CommandID
		want string
	}{
		{CmdSetBackend, "setBackend"},
		{CmdDownloadModel, "downloadModel"},
		{CmdPredict, "predict"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		if got := CommandName(tt.id); got != tt.want {
			t.Errorf("CommandName(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
