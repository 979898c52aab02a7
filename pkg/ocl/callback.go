package ocl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/fxnlabs/clhost/internal/metrics"
	"go.uber.org/zap"
)

// CallbackFunc runs on a driver goroutine once the event is terminal. ev is
// valid for the duration of the call; Clone it to keep it longer.
type CallbackFunc func(ev Event, status Status, userCtx any)

type callbackEntry struct {
	fn      CallbackFunc
	ev      Event
	userCtx any
}

// The driver only ever sees a table key as user data. The entry, and with it
// the user context and a retained event reference, stays in the table until
// the trampoline removes it.
var (
	callbackSeq   atomic.Uintptr
	callbackTable sync.Map // uintptr -> *callbackEntry
)

func storeCallback(e *callbackEntry) uintptr {
	key := callbackSeq.Add(1)
	callbackTable.Store(key, e)
	metrics.CallbackContextsOutstanding.Inc()
	return key
}

func takeCallback(key uintptr) (*callbackEntry, bool) {
	v, ok := callbackTable.LoadAndDelete(key)
	if !ok {
		return nil, false
	}
	metrics.CallbackContextsOutstanding.Dec()
	return v.(*callbackEntry), true
}

func callbackTrampoline(_ driver.EventHandle, status driver.EventStatus, key uintptr) {
	entry, ok := takeCallback(key)
	if !ok {
		return
	}
	metrics.CallbacksInvoked.Inc()
	defer func() {
		if err := entry.ev.Release(); err != nil {
			entry.ev.ctx.logger.Warn("failed to release callback event", zap.Error(err))
		}
	}()
	entry.fn(entry.ev, status, entry.userCtx)
}

// SetCallback registers fn to run exactly once when the event becomes
// terminal. userCtx is kept alive by the host until fn has run. Whether a
// callback registered on an already terminal event fires or fails with
// ErrCallbackRegistrationFailed depends on the driver.
func (e Event) SetCallback(fn CallbackFunc, userCtx any) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrCallbackRegistrationFailed)
	}
	held, err := e.Clone()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCallbackRegistrationFailed, err)
	}

	key := storeCallback(&callbackEntry{fn: fn, ev: held, userCtx: userCtx})
	if err := e.ctx.drv.SetEventCallback(e.handle, callbackTrampoline, key); err != nil {
		if _, ok := takeCallback(key); ok {
			_ = held.Release()
		}
		return fmt.Errorf("%w: %w", ErrCallbackRegistrationFailed, err)
	}
	return nil
}

// SetCallback is the typed form of Event.SetCallback.
func SetCallback[C any](ev Event, fn func(ev Event, status Status, userCtx *C), userCtx *C) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrCallbackRegistrationFailed)
	}
	return ev.SetCallback(func(ev Event, status Status, c any) {
		fn(ev, status, c.(*C))
	}, userCtx)
}
