package ocl

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/clhost/internal/driver"
	"go.uber.org/zap"
)

// ref is one host-side reference to a reference-counted native object.
// Every clone owns its own ref, so releasing the same ref twice is a no-op
// and the native count drops exactly once per clone. A ref that becomes
// unreachable without Release is released by the garbage collector.
type ref struct {
	drv    driver.Driver
	kind   driver.ObjectKind
	h      uintptr
	logger *zap.Logger

	once sync.Once
	done atomic.Bool
	err  error
}

func newRef(drv driver.Driver, kind driver.ObjectKind, h uintptr, logger *zap.Logger) *ref {
	r := &ref{drv: drv, kind: kind, h: h, logger: logger}
	runtime.SetFinalizer(r, finalizeRef)
	return r
}

func finalizeRef(r *ref) {
	if r.done.Load() {
		return
	}
	r.logger.Debug("releasing dropped handle",
		zap.Stringer("kind", r.kind),
		zap.Uintptr("handle", r.h))
	_ = r.release()
}

func (r *ref) release() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.done.Store(true)
		runtime.SetFinalizer(r, nil)
		if err := r.drv.Release(r.kind, r.h); err != nil {
			r.err = fmt.Errorf("%w: %s %#x: %w", ErrReleaseFailed, r.kind, r.h, err)
		}
	})
	return r.err
}

func (r *ref) released() bool {
	return r == nil || r.done.Load()
}

// check returns ErrReleased once this reference was released.
func (r *ref) check() error {
	if r.released() {
		if r == nil {
			return fmt.Errorf("%w: zero value", ErrReleased)
		}
		return fmt.Errorf("%w: %s %#x", ErrReleased, r.kind, r.h)
	}
	return nil
}

// clone retains the native object and returns a new independent reference.
func (r *ref) clone() (*ref, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if err := r.drv.Retain(r.kind, r.h); err != nil {
		return nil, fmt.Errorf("retain %s: %w", r.kind, err)
	}
	runtime.KeepAlive(r)
	return newRef(r.drv, r.kind, r.h, r.logger), nil
}

func (r *ref) count() (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	n, err := r.drv.ReferenceCount(r.kind, r.h)
	runtime.KeepAlive(r)
	return n, err
}
