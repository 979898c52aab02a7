package ocl

import (
	"fmt"
	"runtime"

	"github.com/fxnlabs/clhost/internal/driver"
	"go.uber.org/zap"
)

// QueueOption configures OpenQueue.
type QueueOption func(*driver.QueueProperties)

// WithOutOfOrder lets the device start commands as soon as their wait lists
// are complete. Ordering then depends entirely on the wait lists passed to
// each enqueue.
func WithOutOfOrder() QueueOption {
	return func(p *driver.QueueProperties) { *p |= driver.QueueOutOfOrderExec }
}

// WithProfiling records queued, start and end timestamps on events.
func WithProfiling() QueueOption {
	return func(p *driver.QueueProperties) { *p |= driver.QueueProfiling }
}

// Queue is a command queue bound to one device of a Context.
//
// Clone returns a new Queue referencing the same native object. Release is
// reference counted: each clone releases its own reference at most once,
// further calls on the same clone are no-ops, and the native queue is
// destroyed when the last clone releases. A clone dropped without Release is
// released by the garbage collector.
type Queue struct {
	ctx    *Context
	device driver.DeviceID
	handle driver.QueueHandle
	props  driver.QueueProperties
	ref    *ref
}

// OpenQueue creates a queue on the device at deviceIndex, wrapped modulo
// the number of devices in ctx.
func OpenQueue(ctx *Context, deviceIndex int, opts ...QueueOption) (Queue, error) {
	if err := ctx.check(); err != nil {
		return Queue{}, fmt.Errorf("%w: %w", ErrQueueCreationFailed, err)
	}
	var props driver.QueueProperties
	for _, opt := range opts {
		opt(&props)
	}

	dev := ctx.ResolveDeviceIndexes([]int{deviceIndex})[0]
	h, err := ctx.drv.CreateQueue(ctx.handle, dev, props)
	if err != nil {
		return Queue{}, fmt.Errorf("%w: %w", ErrQueueCreationFailed, err)
	}
	ctx.logger.Debug("queue opened",
		zap.Int("device_index", deviceIndex),
		zap.Uintptr("device", uintptr(dev)),
		zap.Bool("out_of_order", props&driver.QueueOutOfOrderExec != 0))
	return Queue{
		ctx:    ctx,
		device: dev,
		handle: h,
		props:  props,
		ref:    newRef(ctx.drv, driver.KindQueue, uintptr(h), ctx.logger),
	}, nil
}

// Context returns the context the queue was opened on.
func (q Queue) Context() *Context { return q.ctx }

// ContextHandle returns the native handle of the owning context.
func (q Queue) ContextHandle() driver.ContextHandle {
	if q.ctx == nil {
		return 0
	}
	return q.ctx.handle
}

// DeviceID returns the device the queue submits to.
func (q Queue) DeviceID() driver.DeviceID { return q.device }

// Handle returns the native queue handle.
func (q Queue) Handle() driver.QueueHandle { return q.handle }

// OutOfOrder reports whether the queue was opened WithOutOfOrder.
func (q Queue) OutOfOrder() bool { return q.props&driver.QueueOutOfOrderExec != 0 }

func (q Queue) check() error {
	return q.ref.check()
}

// Finish blocks until every command enqueued before the call is terminal
// and every callback registered on those commands has returned.
func (q Queue) Finish() error {
	if err := q.check(); err != nil {
		return err
	}
	defer runtime.KeepAlive(q.ref)
	if err := q.ctx.drv.Finish(q.handle); err != nil {
		return fmt.Errorf("ocl: finish: %w", err)
	}
	return nil
}

// Flush submits queued commands to the device without waiting.
func (q Queue) Flush() error {
	if err := q.check(); err != nil {
		return err
	}
	defer runtime.KeepAlive(q.ref)
	if err := q.ctx.drv.Flush(q.handle); err != nil {
		return fmt.Errorf("ocl: flush: %w", err)
	}
	return nil
}

// EnqueueMarker enqueues a command that completes after wait. With no wait
// list it completes after every command enqueued before it.
func (q Queue) EnqueueMarker(wait ...Event) (Event, error) {
	if err := q.check(); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	defer runtime.KeepAlive(q.ref)
	defer runtime.KeepAlive(wait)
	h, err := q.ctx.drv.EnqueueMarker(q.handle, eventHandles(wait))
	if err != nil {
		return Event{}, fmt.Errorf("%w: marker: %w", ErrEnqueueFailed, err)
	}
	return newEvent(q.ctx, h), nil
}

// Clone returns a new reference to the same native queue.
func (q Queue) Clone() (Queue, error) {
	r, err := q.ref.clone()
	if err != nil {
		return Queue{}, err
	}
	c := q
	c.ref = r
	return c, nil
}

// Release drops this clone's reference to the native queue. It is safe to
// call more than once.
func (q Queue) Release() error {
	first := !q.ref.released()
	err := q.ref.release()
	if first && err == nil {
		q.ctx.logger.Debug("queue reference released", zap.Uintptr("queue", uintptr(q.handle)))
	}
	return err
}

// Released reports whether this clone has been released.
func (q Queue) Released() bool { return q.ref.released() }

// ReferenceCount returns the native reference count shared by all clones.
func (q Queue) ReferenceCount() (int, error) {
	return q.ref.count()
}
