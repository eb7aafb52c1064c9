package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/errors"
)

// Listener is told about every backend change that took effect.
type Listener interface {
	BackendChanged(b Backend)
}

// Selector tracks the active backend and switches it through the bridge.
type Selector struct {
	platform  Platform
	bridge    *bridge.Bridge
	listener  Listener
	mu        sync.Mutex
	current   Backend
	switching atomic.Bool
}

func NewSelector(p Platform, b *bridge.Bridge) *Selector {
	return &Selector{platform: p, bridge: b, current: None}
}

// SetListener installs l. Not safe to call concurrently with Set.
func (s *Selector) SetListener(l Listener) {
	s.listener = l
}

// Get returns the active backend, or None before the first successful Set.
func (s *Selector) Get() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Switching reports whether a Set is in flight.
func (s *Selector) Switching() bool {
	return s.switching.Load()
}

// Resolve maps a request to the backend that will be tried first.
// AUTO picks the best backend that probes, falling back to Compiled.
func (s *Selector) Resolve(req Backend) Backend {
	if req != Auto {
		return req
	}
	for _, b := range []Backend{GPU, Accelerated, Compiled} {
		if s.platform.Probe(b) {
			return b
		}
	}
	return Compiled
}

// Set activates req, blocking the caller through the bridge until activation
// settles. AUTO retries once with Compiled if the resolved target fails.
// On failure the previous backend stays active.
func (s *Selector) Set(ctx context.Context, req Backend) bool {
	if !req.Valid() {
		Logger().Warn("setBackend with invalid id", zap.Int32("id", int32(req)))
		return false
	}

	target := s.Resolve(req)
	s.switching.Store(true)
	defer s.switching.Store(false)

	v, err := s.bridge.Suspend(ctx, bridge.Go(bridge.CmdSetBackend, func(ctx context.Context) (uint64, error) {
		active, err := s.activate(ctx, req, target)
		if err != nil {
			return 0, err
		}
		return uint64(active), nil
	}))
	if err != nil {
		Logger().Warn("backend activation failed",
			zap.Stringer("requested", req),
			zap.Stringer("target", target),
			zap.Error(err))
		return false
	}

	active := Backend(v)
	s.mu.Lock()
	s.current = active
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.BackendChanged(active)
	}
	Logger().Info("backend active", zap.Stringer("requested", req), zap.Stringer("backend", active))
	return true
}

func (s *Selector) activate(ctx context.Context, req, target Backend) (Backend, error) {
	err := s.platform.Activate(ctx, target)
	if err == nil {
		return target, nil
	}
	if req != Auto || target == Compiled {
		return None, errors.Activation(target.String(), err)
	}

	Logger().Info("falling back to compiled backend",
		zap.Stringer("failed", target),
		zap.Error(err))
	if ferr := s.platform.Activate(ctx, Compiled); ferr != nil {
		return None, errors.Activation(Compiled.String(), ferr)
	}
	return Compiled, nil
}
