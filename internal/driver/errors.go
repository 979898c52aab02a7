package driver

import "errors"

// Native status errors. Driver implementations return these, possibly
// wrapped, so callers can classify failures with errors.Is.
var (
	ErrDriverNotFound   = errors.New("driver: no such driver registered")
	ErrDriverClosed     = errors.New("driver: driver closed")
	ErrDeviceNotFound   = errors.New("driver: device not found")
	ErrInvalidPlatform  = errors.New("driver: invalid platform")
	ErrInvalidDevice    = errors.New("driver: invalid device")
	ErrInvalidValue     = errors.New("driver: invalid value")
	ErrInvalidOperation = errors.New("driver: invalid operation")

	ErrInvalidContext      = errors.New("driver: invalid context")
	ErrInvalidCommandQueue = errors.New("driver: invalid command queue")
	ErrInvalidMemObject    = errors.New("driver: invalid mem object")
	ErrInvalidProgram      = errors.New("driver: invalid program")
	ErrInvalidKernel       = errors.New("driver: invalid kernel")
	ErrInvalidEvent        = errors.New("driver: invalid event")

	ErrInvalidBufferSize   = errors.New("driver: invalid buffer size")
	ErrBuildProgramFailure = errors.New("driver: build program failure")
	ErrInvalidKernelName   = errors.New("driver: invalid kernel name")
	ErrInvalidArgIndex     = errors.New("driver: invalid arg index")
	ErrInvalidArgValue     = errors.New("driver: invalid arg value")
	ErrInvalidArgSize      = errors.New("driver: invalid arg size")
	ErrInvalidKernelArgs   = errors.New("driver: kernel args not set")
	ErrInvalidWorkSize     = errors.New("driver: invalid global work size")
	ErrInvalidWaitList     = errors.New("driver: invalid event wait list")

	// ErrEventTerminal is returned by SetEventCallback when the event already
	// completed and the driver does not accept late registrations.
	ErrEventTerminal = errors.New("driver: event already terminal")

	// ErrWaitListFailed is the command error recorded when an event in its
	// wait list finished with StatusError.
	ErrWaitListFailed = errors.New("driver: exec status error for events in wait list")
)

// invalidHandleError maps an object kind to its invalid-handle error.
func invalidHandleError(kind ObjectKind) error {
	switch kind {
	case KindContext:
		return ErrInvalidContext
	case KindQueue:
		return ErrInvalidCommandQueue
	case KindMem:
		return ErrInvalidMemObject
	case KindProgram:
		return ErrInvalidProgram
	case KindKernel:
		return ErrInvalidKernel
	case KindEvent:
		return ErrInvalidEvent
	default:
		return ErrInvalidValue
	}
}
