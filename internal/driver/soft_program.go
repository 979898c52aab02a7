package driver

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	kernelDecl   = regexp.MustCompile(`(?s)\b(?:__kernel|kernel)\s+void\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)
)

var paramQualifiers = map[string]bool{
	"__global": true, "global": true,
	"__constant": true, "constant": true,
	"const": true, "restrict": true, "__restrict": true, "volatile": true,
	"__read_only": true, "read_only": true, "__write_only": true, "write_only": true,
}

// KernelSignature is one kernel entry point declared in device source.
type KernelSignature struct {
	Name   string
	Params []ParamInfo
}

// ParseKernels extracts the kernel entry points declared in src.
func ParseKernels(src string) ([]KernelSignature, error) {
	src = blockComment.ReplaceAllString(src, " ")
	src = lineComment.ReplaceAllString(src, "")

	var sigs []KernelSignature
	seen := make(map[string]bool)
	for _, m := range kernelDecl.FindAllStringSubmatch(src, -1) {
		name := m[1]
		if seen[name] {
			return nil, fmt.Errorf("kernel %q declared twice", name)
		}
		seen[name] = true

		params, err := parseParams(m[2])
		if err != nil {
			return nil, fmt.Errorf("kernel %q: %w", name, err)
		}
		sigs = append(sigs, KernelSignature{Name: name, Params: params})
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no kernel entry points found")
	}
	return sigs, nil
}

func parseParams(list string) ([]ParamInfo, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "void" {
		return nil, nil
	}

	var params []ParamInfo
	for i, raw := range strings.Split(list, ",") {
		fields := strings.Fields(strings.ReplaceAll(raw, "*", " * "))
		var (
			pointer bool
			words   []string
		)
		for _, f := range fields {
			switch {
			case f == "*":
				if pointer {
					return nil, fmt.Errorf("parameter %d: multiple indirection is not supported", i)
				}
				pointer = true
			case f == "__local" || f == "local":
				return nil, fmt.Errorf("parameter %d: local memory parameters are not supported", i)
			case paramQualifiers[f]:
			default:
				words = append(words, f)
			}
		}
		if len(words) < 2 {
			return nil, fmt.Errorf("parameter %d: expected a type and a name in %q", i, strings.TrimSpace(raw))
		}
		name := words[len(words)-1]
		elem, err := ParseElemKind(strings.Join(words[:len(words)-1], " "))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		params = append(params, ParamInfo{Name: name, Kind: ArgKind{Pointer: pointer, Elem: elem}})
	}
	return params, nil
}

type softProgram struct {
	ctx     *softContext
	log     string
	kernels map[string]KernelSignature
}

// BuildProgram implements ProgramBuilder. Every declared kernel must have an
// implementation in the device library with a compatible signature.
func (d *SoftDriver) BuildProgram(ctxh ContextHandle, src, options string) (ProgramHandle, error) {
	ctx, err := lookupAs[*softContext](d, KindContext, uintptr(ctxh))
	if err != nil {
		return 0, err
	}

	sigs, err := ParseKernels(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBuildProgramFailure, err)
	}

	var log strings.Builder
	if options != "" {
		fmt.Fprintf(&log, "options: %s\n", options)
	}
	prog := &softProgram{ctx: ctx, kernels: make(map[string]KernelSignature, len(sigs))}
	for _, sig := range sigs {
		lib, ok := d.libraryKernel(sig.Name)
		if !ok {
			return 0, fmt.Errorf("%w: kernel %q has no device implementation", ErrBuildProgramFailure, sig.Name)
		}
		if lib.Check != nil {
			if err := lib.Check(sig.Params); err != nil {
				return 0, fmt.Errorf("%w: kernel %q: %w", ErrBuildProgramFailure, sig.Name, err)
			}
		}
		prog.kernels[sig.Name] = sig
		fmt.Fprintf(&log, "kernel %s(%s)\n", sig.Name, formatParams(sig.Params))
	}
	prog.log = log.String()

	h, err := d.newObject(KindProgram, prog)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("program built", zap.Int("kernels", len(sigs)))
	return ProgramHandle(h), nil
}

func formatParams(params []ParamInfo) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.Kind.String() + " " + p.Name
	}
	return strings.Join(parts, ", ")
}

// BuildLog implements ProgramBuilder.
func (d *SoftDriver) BuildLog(ph ProgramHandle) (string, error) {
	p, err := lookupAs[*softProgram](d, KindProgram, uintptr(ph))
	if err != nil {
		return "", err
	}
	return p.log, nil
}

type kernelArg struct {
	set   bool
	value []byte
	mem   MemHandle
}

type softKernel struct {
	program *softProgram
	sig     KernelSignature
	impl    LibraryKernel

	mu   sync.Mutex
	args []kernelArg
}

// CreateKernel implements Driver.
func (d *SoftDriver) CreateKernel(ph ProgramHandle, name string) (KernelHandle, error) {
	p, err := lookupAs[*softProgram](d, KindProgram, uintptr(ph))
	if err != nil {
		return 0, err
	}
	sig, ok := p.kernels[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKernelName, name)
	}
	impl, ok := d.libraryKernel(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q was removed from the device library", ErrInvalidKernelName, name)
	}
	k := &softKernel{program: p, sig: sig, impl: impl, args: make([]kernelArg, len(sig.Params))}
	h, err := d.newObject(KindKernel, k)
	return KernelHandle(h), err
}

// KernelParams implements Driver.
func (d *SoftDriver) KernelParams(kh KernelHandle) ([]ParamInfo, error) {
	k, err := lookupAs[*softKernel](d, KindKernel, uintptr(kh))
	if err != nil {
		return nil, err
	}
	return append([]ParamInfo(nil), k.sig.Params...), nil
}

// SetKernelArg implements Driver for scalar parameters. The value is copied.
func (d *SoftDriver) SetKernelArg(kh KernelHandle, index int, value []byte) error {
	k, err := lookupAs[*softKernel](d, KindKernel, uintptr(kh))
	if err != nil {
		return err
	}
	if index < 0 || index >= len(k.sig.Params) {
		return fmt.Errorf("%w: %d", ErrInvalidArgIndex, index)
	}
	p := k.sig.Params[index]
	if p.Kind.Pointer {
		return fmt.Errorf("%w: parameter %q expects a buffer", ErrInvalidArgValue, p.Name)
	}
	if len(value) != p.Kind.Elem.Size() {
		return fmt.Errorf("%w: parameter %q expects %d bytes, got %d", ErrInvalidArgSize, p.Name, p.Kind.Elem.Size(), len(value))
	}

	k.mu.Lock()
	k.args[index] = kernelArg{set: true, value: append([]byte(nil), value...)}
	k.mu.Unlock()
	return nil
}

// SetKernelArgMem implements Driver for buffer parameters. Only the handle is
// recorded; it is resolved when the kernel is enqueued.
func (d *SoftDriver) SetKernelArgMem(kh KernelHandle, index int, mh MemHandle) error {
	k, err := lookupAs[*softKernel](d, KindKernel, uintptr(kh))
	if err != nil {
		return err
	}
	if index < 0 || index >= len(k.sig.Params) {
		return fmt.Errorf("%w: %d", ErrInvalidArgIndex, index)
	}
	p := k.sig.Params[index]
	if !p.Kind.Pointer {
		return fmt.Errorf("%w: parameter %q expects a scalar", ErrInvalidArgValue, p.Name)
	}
	if _, err := lookupAs[*softMem](d, KindMem, uintptr(mh)); err != nil {
		return fmt.Errorf("%w: parameter %q: %w", ErrInvalidArgValue, p.Name, err)
	}

	k.mu.Lock()
	k.args[index] = kernelArg{set: true, mem: mh}
	k.mu.Unlock()
	return nil
}

// EnqueueKernel implements Driver. Arguments are captured at enqueue time;
// later SetKernelArg calls do not affect commands already enqueued.
func (d *SoftDriver) EnqueueKernel(qh QueueHandle, kh KernelHandle, globalWork []int, wait []EventHandle) (EventHandle, error) {
	q, err := lookupAs[*softQueue](d, KindQueue, uintptr(qh))
	if err != nil {
		return 0, err
	}
	k, err := lookupAs[*softKernel](d, KindKernel, uintptr(kh))
	if err != nil {
		return 0, err
	}
	if k.program.ctx != q.ctx {
		return 0, fmt.Errorf("%w: kernel belongs to another context", ErrInvalidContext)
	}
	if len(globalWork) == 0 || len(globalWork) > 3 {
		return 0, fmt.Errorf("%w: %d dimensions", ErrInvalidWorkSize, len(globalWork))
	}
	for _, n := range globalWork {
		if n <= 0 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidWorkSize, globalWork)
		}
	}

	inv := &Invocation{
		Kernel:       k.sig.Name,
		Global:       append([]int(nil), globalWork...),
		Params:       k.sig.Params,
		Args:         make([]ArgData, len(k.sig.Params)),
		ComputeUnits: q.device.info.ComputeUnits,
	}
	k.mu.Lock()
	args := append([]kernelArg(nil), k.args...)
	k.mu.Unlock()
	for i, a := range args {
		p := k.sig.Params[i]
		if !a.set {
			return 0, fmt.Errorf("%w: parameter %d (%s)", ErrInvalidKernelArgs, i, p.Name)
		}
		if !p.Kind.Pointer {
			inv.Args[i].Value = a.value
			continue
		}
		m, err := lookupAs[*softMem](d, KindMem, uintptr(a.mem))
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		if err := q.checkContext(m); err != nil {
			return 0, err
		}
		inv.Args[i].Mem = m.data
	}

	return d.enqueue(q, "kernel:"+k.sig.Name, wait, nil, func() error {
		return k.impl.Run(inv)
	})
}

// LibraryKernel is a device implementation of a kernel entry point.
type LibraryKernel struct {
	// Check validates a declared signature at build time. Nil accepts any.
	Check func(params []ParamInfo) error
	Run   func(inv *Invocation) error
}

// Invocation is one enqueued kernel execution.
type Invocation struct {
	Kernel       string
	Global       []int
	Params       []ParamInfo
	Args         []ArgData
	ComputeUnits int
}

// ArgData is a captured kernel argument. Mem aliases the buffer storage for
// pointer parameters; Value holds the encoded scalar otherwise.
type ArgData struct {
	Mem   []byte
	Value []byte
}

// WorkItems is the total number of work items.
func (inv *Invocation) WorkItems() int {
	n := 1
	for _, g := range inv.Global {
		n *= g
	}
	return n
}

const minChunk = 4096

// ParallelFor splits [0, n) into contiguous ranges and runs body on them
// with at most ComputeUnits goroutines.
func (inv *Invocation) ParallelFor(n int, body func(lo, hi int)) error {
	units := max(inv.ComputeUnits, 1)
	chunk := max((n+units-1)/units, minChunk)

	var g errgroup.Group
	g.SetLimit(units)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			body(lo, hi)
			return nil
		})
	}
	return g.Wait()
}
