package ocl

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/fxnlabs/clhost/internal/driver"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type argKind uint8

const (
	argUnset argKind = iota
	argScalar
	argBorrowed
	argOwned
)

func (k argKind) String() string {
	switch k {
	case argScalar:
		return "scalar"
	case argBorrowed:
		return "borrowed buffer"
	case argOwned:
		return "owned buffer"
	default:
		return "unset"
	}
}

// ArgValue is a value for one kernel argument slot. Build values with
// Scalar, Borrow, Own or Unset.
type ArgValue struct {
	kind   argKind
	elem   driver.ElemKind
	scalar []byte
	mem    driver.MemHandle
	owner  memObject
}

// Scalar binds a scalar value.
func Scalar[T Elem](v T) ArgValue {
	return ArgValue{kind: argScalar, elem: ElemKindOf[T](), scalar: driver.Bytes([]T{v})}
}

// Borrow binds b by handle only. The caller must keep b alive, and must not
// release it, while any enqueued kernel may still use it; enqueueing after
// b was released fails with ErrEnqueueFailed.
func Borrow[T Elem](b *Buffer[T]) ArgValue {
	return ArgValue{kind: argBorrowed, elem: ElemKindOf[T](), mem: b.handle}
}

// Own binds b and makes the kernel hold its own reference to it, so the
// device memory lives as long as the binding does regardless of what the
// caller does with b.
func Own[T Elem](b *Buffer[T]) ArgValue {
	return ArgValue{kind: argOwned, elem: ElemKindOf[T](), mem: b.handle, owner: b}
}

// Unset clears a slot.
func Unset() ArgValue {
	return ArgValue{}
}

type argSlot struct {
	param driver.ParamInfo
	value ArgValue
	// owned is the kernel's reference for argOwned bindings.
	owned memObject
	dirty bool
}

// bind stores v in the slot after checking it against the declared
// parameter type. An owned buffer is retained before the previous binding
// is released.
func (s *argSlot) bind(v ArgValue) error {
	switch v.kind {
	case argScalar:
		if s.param.Kind.Pointer || v.elem != s.param.Kind.Elem {
			return fmt.Errorf("%w: argument %q is %s, got %s %s", ErrArgumentType, s.param.Name, s.param.Kind, v.kind, v.elem)
		}
	case argBorrowed, argOwned:
		if !s.param.Kind.Pointer || v.elem != s.param.Kind.Elem {
			return fmt.Errorf("%w: argument %q is %s, got %s of %s", ErrArgumentType, s.param.Name, s.param.Kind, v.kind, v.elem)
		}
	}

	var owned memObject
	if v.kind == argOwned {
		var err error
		if owned, err = v.owner.retain(); err != nil {
			return fmt.Errorf("ocl: bind argument %q: %w", s.param.Name, err)
		}
		v.owner = nil
	}
	prev := s.owned
	s.value, s.owned, s.dirty = v, owned, true
	if prev != nil {
		return prev.release()
	}
	return nil
}

func (s *argSlot) release() error {
	if s.owned == nil {
		return nil
	}
	err := s.owned.release()
	s.owned = nil
	s.value = ArgValue{}
	return err
}

// KernelBuilder binds arguments to a kernel entry point. The first error is
// kept and returned by Build; later calls are ignored.
type KernelBuilder struct {
	prog    *Program
	name    string
	kernel  *Kernel
	claimed []bool
	err     error
}

// NewKernelBuilder starts binding the entry point name of prog.
func NewKernelBuilder(prog *Program, name string) *KernelBuilder {
	b := &KernelBuilder{prog: prog, name: name}
	b.kernel, b.err = newKernel(prog, name)
	if b.err == nil {
		b.claimed = make([]bool, len(b.kernel.slots))
	}
	return b
}

// Arg binds v to the lowest slot not yet bound by Arg or ArgNamed.
func (b *KernelBuilder) Arg(v ArgValue) *KernelBuilder {
	if b.err != nil {
		return b
	}
	for i, claimed := range b.claimed {
		if !claimed {
			b.claimed[i] = true
			b.err = b.kernel.slots[i].bind(v)
			return b
		}
	}
	b.err = fmt.Errorf("%w: kernel %q takes %d arguments", ErrArgumentCount, b.name, len(b.claimed))
	return b
}

// ArgNamed binds v to the parameter declared as name.
func (b *KernelBuilder) ArgNamed(name string, v ArgValue) *KernelBuilder {
	if b.err != nil {
		return b
	}
	i, err := b.kernel.slotIndex(name)
	if err != nil {
		b.err = err
		return b
	}
	b.claimed[i] = true
	b.err = b.kernel.slots[i].bind(v)
	return b
}

// GlobalWorkSize sets the number of work items per dimension.
func (b *KernelBuilder) GlobalWorkSize(dims ...int) *KernelBuilder {
	if b.err != nil {
		return b
	}
	b.err = b.kernel.SetGlobalWorkSize(dims...)
	return b
}

// Build returns the kernel. Slots may still be unset; Enqueue rejects them.
func (b *KernelBuilder) Build() (*Kernel, error) {
	if b.err != nil {
		if b.kernel != nil {
			b.err = multierr.Append(b.err, b.kernel.Release())
		}
		return nil, b.err
	}
	return b.kernel, nil
}

// Kernel is a kernel entry point with its argument slots. It is safe for
// concurrent use.
type Kernel struct {
	ctx    *Context
	name   string
	handle driver.KernelHandle
	ref    *ref

	mu     sync.Mutex
	slots  []argSlot
	global []int
}

func newKernel(prog *Program, name string) (*Kernel, error) {
	if err := prog.ref.check(); err != nil {
		return nil, fmt.Errorf("%w: kernel %q: %w", ErrBuildFailed, name, err)
	}
	drv := prog.ctx.drv
	h, err := drv.CreateKernel(prog.handle, name)
	runtime.KeepAlive(prog.ref)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel %q: %w", ErrBuildFailed, name, err)
	}
	k := &Kernel{
		ctx:    prog.ctx,
		name:   name,
		handle: h,
		ref:    newRef(drv, driver.KindKernel, uintptr(h), prog.ctx.logger),
	}
	params, err := drv.KernelParams(h)
	if err != nil {
		_ = k.ref.release()
		return nil, fmt.Errorf("%w: kernel %q: %w", ErrBuildFailed, name, err)
	}
	k.slots = make([]argSlot, len(params))
	for i, p := range params {
		k.slots[i].param = p
	}
	return k, nil
}

// Name returns the entry point name.
func (k *Kernel) Name() string { return k.name }

// Params returns the declared parameters.
func (k *Kernel) Params() []driver.ParamInfo {
	params := make([]driver.ParamInfo, len(k.slots))
	for i, s := range k.slots {
		params[i] = s.param
	}
	return params
}

func (k *Kernel) slotIndex(name string) (int, error) {
	for i, s := range k.slots {
		if s.param.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: kernel %q has no argument %q", ErrUnknownArgumentName, k.name, name)
}

// SetArgNamed rebinds the slot declared as name. Other slots are unchanged.
func (k *Kernel) SetArgNamed(name string, v ArgValue) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	i, err := k.slotIndex(name)
	if err != nil {
		return err
	}
	return k.slots[i].bind(v)
}

// SetArg rebinds the slot at index.
func (k *Kernel) SetArg(index int, v ArgValue) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if index < 0 || index >= len(k.slots) {
		return fmt.Errorf("%w: index %d, kernel %q takes %d arguments", ErrArgumentCount, index, k.name, len(k.slots))
	}
	return k.slots[index].bind(v)
}

// SetGlobalWorkSize sets the number of work items per dimension.
func (k *Kernel) SetGlobalWorkSize(dims ...int) error {
	if len(dims) == 0 || len(dims) > 3 {
		return fmt.Errorf("ocl: kernel %q: global work size needs 1 to 3 dimensions, got %d", k.name, len(dims))
	}
	k.mu.Lock()
	k.global = append([]int(nil), dims...)
	k.mu.Unlock()
	return nil
}

// Enqueue submits the kernel on q once every event in wait is complete. The
// current bindings are captured; later SetArgNamed calls do not affect it.
func (k *Kernel) Enqueue(q Queue, wait ...Event) (Event, error) {
	if err := q.check(); err != nil {
		return Event{}, fmt.Errorf("%w: kernel %q: %w", ErrEnqueueFailed, k.name, err)
	}
	if err := k.ref.check(); err != nil {
		return Event{}, fmt.Errorf("%w: kernel %q: %w", ErrEnqueueFailed, k.name, err)
	}
	defer runtime.KeepAlive(q.ref)
	defer runtime.KeepAlive(k.ref)
	defer runtime.KeepAlive(wait)

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.global == nil {
		return Event{}, fmt.Errorf("%w: kernel %q has no global work size", ErrEnqueueFailed, k.name)
	}
	drv := k.ctx.drv
	for i := range k.slots {
		s := &k.slots[i]
		if s.value.kind == argUnset {
			return Event{}, fmt.Errorf("%w: kernel %q argument %q is not set", ErrEnqueueFailed, k.name, s.param.Name)
		}
		if !s.dirty {
			continue
		}
		var err error
		if s.value.kind == argScalar {
			err = drv.SetKernelArg(k.handle, i, s.value.scalar)
		} else {
			err = drv.SetKernelArgMem(k.handle, i, s.value.mem)
		}
		if err != nil {
			return Event{}, fmt.Errorf("%w: kernel %q argument %q: %w", ErrEnqueueFailed, k.name, s.param.Name, err)
		}
		s.dirty = false
	}

	h, err := drv.EnqueueKernel(q.handle, k.handle, k.global, eventHandles(wait))
	if err != nil {
		return Event{}, fmt.Errorf("%w: kernel %q: %w", ErrEnqueueFailed, k.name, err)
	}
	k.ctx.logger.Debug("kernel enqueued", zap.String("kernel", k.name), zap.Ints("global", k.global))
	return newEvent(q.ctx, h), nil
}

// Release releases owned buffer bindings and the native kernel.
func (k *Kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var err error
	for i := range k.slots {
		err = multierr.Append(err, k.slots[i].release())
	}
	return multierr.Append(err, k.ref.release())
}
