// Package driver defines the native device-runtime boundary used by the host
// runtime in pkg/ocl, together with a registry of driver implementations and
// the bundled software device.
//
// Every object crossing the boundary is an opaque handle. Handles are
// reference counted by the driver: Retain and Release adjust the count and the
// object is destroyed exactly once, when the count reaches zero. Commands that
// are already in flight keep the memory they reference alive on their own.
//
// Completion callbacks registered with SetEventCallback are invoked by the
// driver on goroutines it owns, never on the goroutine that registered them.
// The callback receives the registering caller's userData verbatim; the driver
// never dereferences it.
package driver

import (
	"fmt"
	"strings"
	"time"
)

// Opaque native handles.
type (
	PlatformID    uintptr
	DeviceID      uintptr
	ContextHandle uintptr
	QueueHandle   uintptr
	MemHandle     uintptr
	ProgramHandle uintptr
	KernelHandle  uintptr
	EventHandle   uintptr
)

// ObjectKind identifies the class of a reference-counted native object.
type ObjectKind uint8

const (
	KindContext ObjectKind = iota + 1
	KindQueue
	KindMem
	KindProgram
	KindKernel
	KindEvent
)

func (k ObjectKind) String() string {
	switch k {
	case KindContext:
		return "context"
	case KindQueue:
		return "queue"
	case KindMem:
		return "mem"
	case KindProgram:
		return "program"
	case KindKernel:
		return "kernel"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DeviceType is a bit mask of device classes.
type DeviceType uint64

const (
	DeviceTypeDefault     DeviceType = 1 << 0
	DeviceTypeCPU         DeviceType = 1 << 1
	DeviceTypeGPU         DeviceType = 1 << 2
	DeviceTypeAccelerator DeviceType = 1 << 3
	DeviceTypeAll         DeviceType = 0xFFFFFFFF
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDefault:
		return "DEFAULT"
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeAccelerator:
		return "ACCELERATOR"
	case DeviceTypeAll:
		return "ALL"
	default:
		return fmt.Sprintf("DeviceType(%#x)", uint64(t))
	}
}

// ParseDeviceType converts a configuration string into a DeviceType. The
// empty string selects every device class.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ALL":
		return DeviceTypeAll, nil
	case "DEFAULT":
		return DeviceTypeDefault, nil
	case "CPU":
		return DeviceTypeCPU, nil
	case "GPU":
		return DeviceTypeGPU, nil
	case "ACCELERATOR":
		return DeviceTypeAccelerator, nil
	default:
		return 0, fmt.Errorf("unknown device type %q", s)
	}
}

// UnmarshalText lets DeviceType be used directly in YAML configuration.
func (t *DeviceType) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// QueueProperties is a bit mask of command queue properties.
type QueueProperties uint64

const (
	QueueOutOfOrderExec QueueProperties = 1 << 0
	QueueProfiling      QueueProperties = 1 << 1
)

// EventStatus is the execution state of the command behind an event.
type EventStatus int

const (
	StatusPending EventStatus = iota
	StatusRunning
	StatusComplete
	StatusError
)

// Terminal reports whether no further transition can happen.
func (s EventStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

func (s EventStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CallbackFunc is invoked exactly once per registration when an event becomes
// terminal. userData is the value passed at registration.
type CallbackFunc func(ev EventHandle, status EventStatus, userData uintptr)

// PlatformInfo describes a platform.
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
}

// DeviceInfo describes a device.
type DeviceInfo struct {
	Name           string
	Vendor         string
	Version        string
	Type           DeviceType
	ComputeUnits   int
	GlobalMemBytes int64
	Platform       PlatformID
}

// ArgKind is the declared type of one kernel parameter.
type ArgKind struct {
	// Pointer is true for __global buffer parameters.
	Pointer bool
	Elem    ElemKind
}

func (k ArgKind) String() string {
	if k.Pointer {
		return k.Elem.String() + "*"
	}
	return k.Elem.String()
}

// ParamInfo is one parameter of a compiled kernel signature.
type ParamInfo struct {
	Name string
	Kind ArgKind
}

// EventInfo is a snapshot of an event. Timestamps are only populated for
// commands enqueued on a queue created with QueueProfiling.
type EventInfo struct {
	Status  EventStatus
	Command string
	// Err is set when Status is StatusError.
	Err error

	Queued  time.Time
	Started time.Time
	Ended   time.Time
}

// ProgramBuilder compiles device source into a program object.
type ProgramBuilder interface {
	BuildProgram(ctx ContextHandle, src, options string) (ProgramHandle, error)
	BuildLog(p ProgramHandle) (string, error)
}

// Driver is the native device runtime. Implementations must be safe for
// concurrent use.
type Driver interface {
	Name() string

	Platforms() ([]PlatformID, error)
	PlatformInfo(p PlatformID) (PlatformInfo, error)
	Devices(p PlatformID, t DeviceType) ([]DeviceID, error)
	DeviceInfo(d DeviceID) (DeviceInfo, error)

	CreateContext(devices []DeviceID) (ContextHandle, error)

	CreateQueue(ctx ContextHandle, dev DeviceID, props QueueProperties) (QueueHandle, error)
	// Flush issues queued commands to the device without waiting.
	Flush(q QueueHandle) error
	// Finish blocks until every command enqueued on q before the call is
	// terminal and every callback registered on their events has returned.
	Finish(q QueueHandle) error

	CreateBuffer(ctx ContextHandle, size int) (MemHandle, error)
	// EnqueueWriteBuffer copies src into the buffer when the command runs;
	// src must not be modified until the returned event is terminal.
	EnqueueWriteBuffer(q QueueHandle, mem MemHandle, offset int, src []byte, wait []EventHandle) (EventHandle, error)
	// EnqueueReadBuffer copies buffer contents into dst when the command
	// runs; dst must not be read until the returned event is complete.
	EnqueueReadBuffer(q QueueHandle, mem MemHandle, offset int, dst []byte, wait []EventHandle) (EventHandle, error)
	EnqueueMarker(q QueueHandle, wait []EventHandle) (EventHandle, error)

	ProgramBuilder
	CreateKernel(p ProgramHandle, name string) (KernelHandle, error)
	KernelParams(k KernelHandle) ([]ParamInfo, error)
	SetKernelArg(k KernelHandle, index int, value []byte) error
	SetKernelArgMem(k KernelHandle, index int, mem MemHandle) error
	EnqueueKernel(q QueueHandle, k KernelHandle, globalWork []int, wait []EventHandle) (EventHandle, error)

	EventInfo(ev EventHandle) (EventInfo, error)
	SetEventCallback(ev EventHandle, fn CallbackFunc, userData uintptr) error
	WaitForEvents(evs []EventHandle) error

	Retain(kind ObjectKind, h uintptr) error
	Release(kind ObjectKind, h uintptr) error
	ReferenceCount(kind ObjectKind, h uintptr) (int, error)

	// Close tears down the driver. Outstanding commands are drained first.
	Close() error
}
