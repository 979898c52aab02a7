package ocl

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound             = errors.New("ocl: device not found")
	ErrContextCreationFailed      = errors.New("ocl: context creation failed")
	ErrQueueCreationFailed        = errors.New("ocl: queue creation failed")
	ErrBufferCreationFailed       = errors.New("ocl: buffer creation failed")
	ErrBuildFailed                = errors.New("ocl: program build failed")
	ErrUnknownArgumentName        = errors.New("ocl: unknown argument name")
	ErrArgumentType               = errors.New("ocl: argument type mismatch")
	ErrArgumentCount              = errors.New("ocl: too many arguments")
	ErrEnqueueFailed              = errors.New("ocl: enqueue failed")
	ErrCallbackRegistrationFailed = errors.New("ocl: callback registration failed")
	ErrReleaseFailed              = errors.New("ocl: release failed")
	ErrReleased                   = errors.New("ocl: handle already released")
	ErrLengthMismatch             = errors.New("ocl: length mismatch")
	ErrVerificationMismatch       = errors.New("ocl: verification mismatch")
)

// VerificationError reports a device result that diverged from the value the
// host expected. It matches ErrVerificationMismatch with errors.Is.
type VerificationError struct {
	Iteration int
	Index     int
	Expected  any
	Observed  any
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("ocl: verification mismatch at iteration %d index %d: expected %v, observed %v",
		e.Iteration, e.Index, e.Expected, e.Observed)
}

// Is reports whether target is ErrVerificationMismatch.
func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationMismatch
}
