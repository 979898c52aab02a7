package ocl

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/fxnlabs/clhost/internal/driver"
	"github.com/x448/float16"
)

// Elem is the set of element types a Buffer can hold.
type Elem interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 |
		float16.Float16 | float32 | float64
}

// ElemKindOf returns the device element type for T.
func ElemKindOf[T Elem]() driver.ElemKind {
	var zero T
	switch any(zero).(type) {
	case int8:
		return driver.ElemInt8
	case uint8:
		return driver.ElemUint8
	case int16:
		return driver.ElemInt16
	case uint16:
		return driver.ElemUint16
	case int32:
		return driver.ElemInt32
	case uint32:
		return driver.ElemUint32
	case int64:
		return driver.ElemInt64
	case uint64:
		return driver.ElemUint64
	case float16.Float16:
		return driver.ElemHalf
	case float32:
		return driver.ElemFloat32
	case float64:
		return driver.ElemFloat64
	default:
		return driver.ElemInvalid
	}
}

// BufferOption configures NewBuffer.
type BufferOption[T Elem] func(*bufferOptions[T])

type bufferOptions[T Elem] struct {
	hostData []T
}

// WithHostData uploads values into the new buffer before NewBuffer returns.
// len(values) must equal the buffer length.
func WithHostData[T Elem](values []T) BufferOption[T] {
	return func(o *bufferOptions[T]) {
		o.hostData = values
	}
}

// Buffer is a fixed-length device memory region of T, with a host mirror
// holding the most recent read snapshot.
type Buffer[T Elem] struct {
	queue  Queue
	handle driver.MemHandle
	length int
	ref    *ref

	mu     sync.Mutex
	mirror []T
}

// NewBuffer allocates length elements in the context of q. Transfers are
// enqueued on q.
func NewBuffer[T Elem](q Queue, length int, opts ...BufferOption[T]) (*Buffer[T], error) {
	var o bufferOptions[T]
	for _, opt := range opts {
		opt(&o)
	}
	if err := q.check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBufferCreationFailed, err)
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrBufferCreationFailed, length)
	}
	if o.hostData != nil && len(o.hostData) != length {
		return nil, fmt.Errorf("%w: host data has %d elements, buffer %d", ErrLengthMismatch, len(o.hostData), length)
	}

	var zero T
	size := length * ElemKindOf[T]().Size()
	h, err := q.ctx.drv.CreateBuffer(q.ctx.handle, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d x %T: %w", ErrBufferCreationFailed, length, zero, err)
	}
	b := &Buffer[T]{
		queue:  q,
		handle: h,
		length: length,
		ref:    newRef(q.ctx.drv, driver.KindMem, uintptr(h), q.ctx.logger),
	}

	if o.hostData != nil {
		ev, err := b.WriteAsync(o.hostData)
		if err == nil {
			err = ev.Wait()
			_ = ev.Release()
		}
		if err != nil {
			_ = b.Release()
			return nil, fmt.Errorf("%w: initial upload: %w", ErrBufferCreationFailed, err)
		}
	}
	return b, nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return b.length }

// Handle returns the native mem handle.
func (b *Buffer[T]) Handle() driver.MemHandle { return b.handle }

// Queue returns the queue transfers are enqueued on.
func (b *Buffer[T]) Queue() Queue { return b.queue }

// Mirror returns the snapshot of the most recent ReadAsync or ReadSync. It
// is only safe to read once that read's event is complete.
func (b *Buffer[T]) Mirror() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mirror
}

// WriteAsync enqueues a copy of values into the buffer. values must not be
// modified until the returned event is terminal.
func (b *Buffer[T]) WriteAsync(values []T, wait ...Event) (Event, error) {
	if len(values) != b.length {
		return Event{}, fmt.Errorf("%w: writing %d elements into buffer of %d", ErrLengthMismatch, len(values), b.length)
	}
	if err := b.ref.check(); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	defer runtime.KeepAlive(b.ref)
	defer runtime.KeepAlive(b.queue.ref)
	defer runtime.KeepAlive(wait)
	h, err := b.queue.ctx.drv.EnqueueWriteBuffer(b.queue.handle, b.handle, 0, driver.Bytes(values), eventHandles(wait))
	if err != nil {
		return Event{}, fmt.Errorf("%w: write buffer: %w", ErrEnqueueFailed, err)
	}
	return newEvent(b.queue.ctx, h), nil
}

// ReadAsync enqueues a copy of the buffer into a fresh host slice, which
// also becomes the buffer's mirror. The slice must not be read until the
// returned event is complete.
func (b *Buffer[T]) ReadAsync(wait ...Event) (Event, []T, error) {
	if err := b.ref.check(); err != nil {
		return Event{}, nil, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	defer runtime.KeepAlive(b.ref)
	defer runtime.KeepAlive(b.queue.ref)
	defer runtime.KeepAlive(wait)
	dst := make([]T, b.length)
	h, err := b.queue.ctx.drv.EnqueueReadBuffer(b.queue.handle, b.handle, 0, driver.Bytes(dst), eventHandles(wait))
	if err != nil {
		return Event{}, nil, fmt.Errorf("%w: read buffer: %w", ErrEnqueueFailed, err)
	}
	b.mu.Lock()
	b.mirror = dst
	b.mu.Unlock()
	return newEvent(b.queue.ctx, h), dst, nil
}

// ReadSync reads the buffer and blocks until the data is available.
func (b *Buffer[T]) ReadSync(wait ...Event) ([]T, error) {
	ev, dst, err := b.ReadAsync(wait...)
	if err != nil {
		return nil, err
	}
	defer ev.Release()
	if err := ev.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

// Clone returns a new reference to the same device memory. The clone has
// its own mirror.
func (b *Buffer[T]) Clone() (*Buffer[T], error) {
	r, err := b.ref.clone()
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{queue: b.queue, handle: b.handle, length: b.length, ref: r}, nil
}

// Release drops this reference to the device memory. Commands already
// enqueued keep using it.
func (b *Buffer[T]) Release() error {
	return b.ref.release()
}

// Released reports whether this reference was released.
func (b *Buffer[T]) Released() bool { return b.ref.released() }

func (b *Buffer[T]) memHandle() driver.MemHandle { return b.handle }

func (b *Buffer[T]) elemKind() driver.ElemKind { return ElemKindOf[T]() }

func (b *Buffer[T]) retain() (memObject, error) {
	c, err := b.Clone()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Buffer[T]) release() error { return b.Release() }

// memObject is the element-type-erased view of a Buffer used by kernel
// argument slots.
type memObject interface {
	memHandle() driver.MemHandle
	elemKind() driver.ElemKind
	retain() (memObject, error)
	release() error
}
