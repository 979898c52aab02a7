package ocl

import (
	"fmt"

	"github.com/fxnlabs/clhost/internal/driver"
	"go.uber.org/zap"
)

// Program is device source compiled for a Context.
type Program struct {
	ctx    *Context
	handle driver.ProgramHandle
	log    string
	ref    *ref
}

// BuildProgram compiles src for every device of ctx.
func BuildProgram(ctx *Context, src, options string) (*Program, error) {
	if err := ctx.check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	h, err := ctx.drv.BuildProgram(ctx.handle, src, options)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	log, err := ctx.drv.BuildLog(h)
	if err != nil {
		ctx.logger.Warn("build log unavailable", zap.Error(err))
	}
	ctx.logger.Debug("program built", zap.String("build_log", log))
	return &Program{
		ctx:    ctx,
		handle: h,
		log:    log,
		ref:    newRef(ctx.drv, driver.KindProgram, uintptr(h), ctx.logger),
	}, nil
}

// Context returns the context the program was built for.
func (p *Program) Context() *Context { return p.ctx }

// BuildLog returns the compiler output.
func (p *Program) BuildLog() string { return p.log }

// KernelBuilder starts binding the kernel entry point name.
func (p *Program) KernelBuilder(name string) *KernelBuilder {
	return NewKernelBuilder(p, name)
}

// Release drops this reference to the native program. Kernels created from
// it stay usable.
func (p *Program) Release() error {
	return p.ref.release()
}
