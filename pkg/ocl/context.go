// Package ocl is the host-side runtime for compute devices exposed through
// internal/driver. It wraps native contexts, command queues, buffers, kernels
// and events in reference-counted Go values and delivers completion
// callbacks without handing raw host pointers to the driver.
//
// Callbacks run on driver goroutines. Code inside a callback must only
// record into synchronized state such as CallbackErrors, channels or
// atomics; the owning goroutine inspects that state after Queue.Finish.
package ocl

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceSelector picks the devices a Context is created with.
type DeviceSelector struct {
	// Platform is the zero-based platform index.
	Platform int
	// Type filters devices by class. Zero selects every class.
	Type driver.DeviceType
	// Indexes are zero-based indexes into the matching devices, wrapped
	// modulo the device count. Empty selects every matching device.
	Indexes []int
}

// Option configures a Context.
type Option func(*contextOptions)

type contextOptions struct {
	logger *zap.Logger
}

// WithLogger sets the logger used by the Context and everything created
// from it.
func WithLogger(logger *zap.Logger) Option {
	return func(o *contextOptions) {
		o.logger = logger
	}
}

// Context is a native compute context over one or more devices of a single
// platform.
type Context struct {
	drv     driver.Driver
	logger  *zap.Logger
	session uuid.UUID
	devices []driver.DeviceID
	handle  driver.ContextHandle
	ref     *ref
}

// NewContext selects devices and creates a native context over them.
func NewContext(drv driver.Driver, sel DeviceSelector, opts ...Option) (*Context, error) {
	o := contextOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	platforms, err := drv.Platforms()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	if sel.Platform < 0 || sel.Platform >= len(platforms) {
		return nil, fmt.Errorf("%w: platform %d of %d", ErrDeviceNotFound, sel.Platform, len(platforms))
	}
	typ := sel.Type
	if typ == 0 {
		typ = driver.DeviceTypeAll
	}
	available, err := drv.Devices(platforms[sel.Platform], typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: no %s device on platform %d", ErrDeviceNotFound, typ, sel.Platform)
	}
	devices := wrapIndexes(available, sel.Indexes)

	h, err := drv.CreateContext(devices)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextCreationFailed, err)
	}

	session := uuid.New()
	logger := o.logger.Named("ocl").With(zap.String("session", session.String()))
	c := &Context{
		drv:     drv,
		logger:  logger,
		session: session,
		devices: devices,
		handle:  h,
		ref:     newRef(drv, driver.KindContext, uintptr(h), logger),
	}
	logger.Debug("context created",
		zap.String("driver", drv.Name()),
		zap.Int("devices", len(devices)))
	return c, nil
}

// wrapIndexes resolves zero-based indexes modulo len(devices). An empty
// index list selects every device.
func wrapIndexes(devices []driver.DeviceID, idxs []int) []driver.DeviceID {
	if len(idxs) == 0 {
		return append([]driver.DeviceID(nil), devices...)
	}
	out := make([]driver.DeviceID, len(idxs))
	n := len(devices)
	for i, idx := range idxs {
		out[i] = devices[((idx%n)+n)%n]
	}
	return out
}

// Driver returns the native driver behind the context.
func (c *Context) Driver() driver.Driver { return c.drv }

// Handle returns the native context handle.
func (c *Context) Handle() driver.ContextHandle { return c.handle }

// Session identifies this context in logs.
func (c *Context) Session() uuid.UUID { return c.session }

// Logger returns the context's logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Devices returns the devices of the context in selection order.
func (c *Context) Devices() []driver.DeviceID {
	return append([]driver.DeviceID(nil), c.devices...)
}

// ResolveDeviceIndexes maps zero-based indexes onto the context's devices,
// wrapping out-of-range indexes modulo the device count. An empty list
// resolves to every device.
func (c *Context) ResolveDeviceIndexes(idxs []int) []driver.DeviceID {
	return wrapIndexes(c.devices, idxs)
}

// DeviceInfo describes the device at a wrapped index.
func (c *Context) DeviceInfo(idx int) (driver.DeviceInfo, error) {
	return c.drv.DeviceInfo(c.ResolveDeviceIndexes([]int{idx})[0])
}

// Release drops this reference to the native context.
func (c *Context) Release() error {
	first := !c.ref.released()
	err := c.ref.release()
	if first && err == nil {
		c.logger.Debug("context released")
	}
	return err
}

func (c *Context) check() error {
	if c == nil {
		return errors.New("ocl: nil context")
	}
	err := c.ref.check()
	runtime.KeepAlive(c)
	return err
}
