package ocl

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const addScalarSource = `
__kernel void add_scalar(__global float* src, float addend, __global float* res) {
	uint idx = get_global_id(0);
	res[idx] = src[idx] + addend;
}
`

const addSource = `
__kernel void add(__global float* buffer, float addend) {
	buffer[get_global_id(0)] += addend;
}
`

var errInjected = errors.New("injected fault")

// faultyDriver wraps a driver and fails selected native calls.
type faultyDriver struct {
	driver.Driver
	failCreateContext bool
	failCreateQueue   bool
	failSetCallback   bool
	failReleaseKind   driver.ObjectKind
}

func (f *faultyDriver) CreateContext(devices []driver.DeviceID) (driver.ContextHandle, error) {
	if f.failCreateContext {
		return 0, errInjected
	}
	return f.Driver.CreateContext(devices)
}

func (f *faultyDriver) CreateQueue(ctx driver.ContextHandle, dev driver.DeviceID, props driver.QueueProperties) (driver.QueueHandle, error) {
	if f.failCreateQueue {
		return 0, errInjected
	}
	return f.Driver.CreateQueue(ctx, dev, props)
}

func (f *faultyDriver) SetEventCallback(ev driver.EventHandle, fn driver.CallbackFunc, userData uintptr) error {
	if f.failSetCallback {
		return errInjected
	}
	return f.Driver.SetEventCallback(ev, fn, userData)
}

func (f *faultyDriver) Release(kind driver.ObjectKind, h uintptr) error {
	if kind == f.failReleaseKind {
		return errInjected
	}
	return f.Driver.Release(kind, h)
}

// slowDriver runs the collector while an enqueue with a wait list is inside
// the native call.
type slowDriver struct {
	driver.Driver
}

func (s *slowDriver) collect(wait []driver.EventHandle) {
	if len(wait) == 0 {
		return
	}
	for i := 0; i < 3; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *slowDriver) EnqueueMarker(q driver.QueueHandle, wait []driver.EventHandle) (driver.EventHandle, error) {
	s.collect(wait)
	return s.Driver.EnqueueMarker(q, wait)
}

func (s *slowDriver) EnqueueWriteBuffer(q driver.QueueHandle, mem driver.MemHandle, offset int, src []byte, wait []driver.EventHandle) (driver.EventHandle, error) {
	s.collect(wait)
	return s.Driver.EnqueueWriteBuffer(q, mem, offset, src, wait)
}

func (s *slowDriver) EnqueueReadBuffer(q driver.QueueHandle, mem driver.MemHandle, offset int, dst []byte, wait []driver.EventHandle) (driver.EventHandle, error) {
	s.collect(wait)
	return s.Driver.EnqueueReadBuffer(q, mem, offset, dst, wait)
}

func (s *slowDriver) EnqueueKernel(q driver.QueueHandle, k driver.KernelHandle, globalWork []int, wait []driver.EventHandle) (driver.EventHandle, error) {
	s.collect(wait)
	return s.Driver.EnqueueKernel(q, k, globalWork, wait)
}

// pendingCallbacks is the number of registered callbacks that have not run.
func pendingCallbacks() int {
	n := 0
	callbackTable.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func newSoftDriver(t *testing.T, cfg driver.SoftConfig) *driver.SoftDriver {
	t.Helper()
	drv, err := driver.NewSoftDriver(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })
	return drv
}

func newTestContext(t *testing.T, drv driver.Driver) *Context {
	t.Helper()
	ctx, err := NewContext(drv, DeviceSelector{}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Release() })
	return ctx
}

func newTestQueue(t *testing.T, opts ...QueueOption) (*driver.SoftDriver, *Context, Queue) {
	t.Helper()
	drv := newSoftDriver(t, driver.SoftConfig{})
	ctx := newTestContext(t, drv)
	q, err := OpenQueue(ctx, 0, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Release() })
	return drv, ctx, q
}

func buildProgram(t *testing.T, ctx *Context, src string) *Program {
	t.Helper()
	prog, err := BuildProgram(ctx, src, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = prog.Release() })
	return prog
}
