package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/errors"
)

type CommandID = uint16

// Commands the engine can block on.
const (
	CmdSetBackend CommandID = iota + 1
	CmdDownloadMetadata
	CmdDownloadModel
	CmdPredict
	CmdReadLine
)

var commandNames = map[CommandID]string{
	CmdSetBackend:       "setBackend",
	CmdDownloadMetadata: "downloadMetadata",
	CmdDownloadModel:    "downloadModel",
	CmdPredict:          "predict",
	CmdReadLine:         "readLine",
}

// CommandName returns the host import name for id.
func CommandName(id CommandID) string {
	if name, ok := commandNames[id]; ok {
		return name
	}
	return "unknown"
}

type YieldResult struct {
	Error error
	Value uint64
}

// Resume delivers the result of a pending operation. Only the first call has
// any effect.
type Resume func(YieldResult)

// PendingOp is asynchronous work the host thread blocks on.
// Start is invoked on the event loop and must arrange for resume to be called
// exactly once, from any goroutine.
type PendingOp interface {
	CmdID() CommandID
	Start(ctx context.Context, resume Resume)
}

type funcOp struct {
	start func(ctx context.Context, resume Resume)
	id    CommandID
}

func (o *funcOp) CmdID() CommandID { return o.id }

func (o *funcOp) Start(ctx context.Context, resume Resume) { o.start(ctx, resume) }

// Func wraps a callback-style start function.
func Func(id CommandID, start func(ctx context.Context, resume Resume)) PendingOp {
	return &funcOp{id: id, start: start}
}

// Go wraps a blocking function. The function runs on its own goroutine and a
// panic resumes with a failure.
func Go(id CommandID, fn func(ctx context.Context) (uint64, error)) PendingOp {
	return Func(id, func(ctx context.Context, resume Resume) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resume(YieldResult{Error: errors.Recovered(CommandName(id), r)})
				}
			}()
			v, err := fn(ctx)
			resume(YieldResult{Value: v, Error: err})
		}()
	})
}

// Observer receives one call per completed suspension.
type Observer interface {
	ObserveSuspend(id CommandID, elapsed time.Duration, err error)
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		b.observer = o
	}
}

// Bridge parks the host thread while a PendingOp runs on the event loop.
type Bridge struct {
	loop     *Loop
	observer Observer
	busy     atomic.Bool
}

func New(loop *Loop, opts ...Option) *Bridge {
	b := &Bridge{loop: loop}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Loop() *Loop {
	return b.loop
}

// Pending reports whether a suspension is outstanding.
func (b *Bridge) Pending() bool {
	return b.busy.Load()
}

// Suspend starts op on the event loop and blocks until it resumes.
//
// Only one suspension may be outstanding; a concurrent call fails at once
// with a busy error. Suspend never times out and never abandons a started
// op: ctx is handed to the op and cancellation is up to it.
func (b *Bridge) Suspend(ctx context.Context, op PendingOp) (uint64, error) {
	if op == nil {
		return 0, errors.Misuse("suspend", "nil operation")
	}
	id := op.CmdID()
	name := CommandName(id)
	if !b.busy.CompareAndSwap(false, true) {
		Logger().Warn("suspend while another is outstanding", zap.String("op", name))
		return 0, errors.Busy(name)
	}
	defer b.busy.Store(false)

	t := newToken(name)
	start := time.Now()

	posted := b.loop.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				t.resume(YieldResult{Error: errors.Recovered(name, r)})
			}
		}()
		op.Start(ctx, t.resume)
	})
	if !posted {
		return 0, errors.Closed("event loop")
	}

	res := <-t.ch
	elapsed := time.Since(start)

	if b.observer != nil {
		b.observer.ObserveSuspend(id, elapsed, res.Error)
	}
	if res.Error != nil {
		Logger().Debug("suspension failed",
			zap.String("op", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(res.Error))
	}
	return res.Value, res.Error
}

type token struct {
	ch   chan YieldResult
	name string
	once sync.Once
}

func newToken(name string) *token {
	return &token{name: name, ch: make(chan YieldResult, 1)}
}

func (t *token) resume(r YieldResult) {
	fired := false
	t.once.Do(func() {
		fired = true
		t.ch <- r
	})
	if !fired {
		Logger().Warn("resume after completion dropped",
			zap.String("op", t.name),
			zap.Error(r.Error))
	}
}

// Status maps a boolean outcome onto the host's 1/0 convention.
func Status(ok bool) uint64 {
	if ok {
		return 1
	}
	return 0
}

// Code maps an error onto the host's 1/0 convention.
func Code(err error) uint64 {
	return Status(err == nil)
}
