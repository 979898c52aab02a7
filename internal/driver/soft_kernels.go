package driver

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Built-in kernels of the software device. Each works on any ElemKind.
//
//	add_scalar(T* src, T addend, T* res)  res[i] = src[i] + addend
//	add(T* buf, T addend)                 buf[i] += addend
//	fill(T* buf, T value)                 buf[i] = value
//	copy(T* src, T* dst)                  dst[i] = src[i]
func builtinKernels() map[string]LibraryKernel {
	return map[string]LibraryKernel{
		"add_scalar": {
			Check: signature(true, false, true),
			Run: func(inv *Invocation) error {
				return addConst(inv, inv.Args[0].Mem, inv.Args[2].Mem, inv.Args[1].Value)
			},
		},
		"add": {
			Check: signature(true, false),
			Run: func(inv *Invocation) error {
				return addConst(inv, inv.Args[0].Mem, inv.Args[0].Mem, inv.Args[1].Value)
			},
		},
		"fill": {
			Check: signature(true, false),
			Run:   fill,
		},
		"copy": {
			Check: signature(true, true),
			Run:   copyBuffer,
		},
	}
}

// signature builds a Check that requires the given pointer/scalar layout
// with one element type across all parameters.
func signature(pointers ...bool) func([]ParamInfo) error {
	return func(params []ParamInfo) error {
		if len(params) != len(pointers) {
			return fmt.Errorf("expected %d parameters, got %d", len(pointers), len(params))
		}
		for i, p := range params {
			if p.Kind.Pointer != pointers[i] {
				return fmt.Errorf("parameter %q has kind %s", p.Name, p.Kind)
			}
			if p.Kind.Elem != params[0].Kind.Elem {
				return fmt.Errorf("parameter %q is %s, expected %s", p.Name, p.Kind.Elem, params[0].Kind.Elem)
			}
		}
		return nil
	}
}

// span checks that n work items fit in every buffer and returns the byte
// length they cover.
func span(inv *Invocation, bufs ...[]byte) (int, error) {
	n := inv.WorkItems()
	size := inv.Params[0].Kind.Elem.Size()
	for _, b := range bufs {
		if n*size > len(b) {
			return 0, fmt.Errorf("%w: %d work items exceed buffer of %d %s elements",
				ErrInvalidWorkSize, n, len(b)/size, inv.Params[0].Kind.Elem)
		}
	}
	return n * size, nil
}

type number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32
}

func addConst(inv *Invocation, src, dst, addend []byte) error {
	nbytes, err := span(inv, src, dst)
	if err != nil {
		return err
	}
	src, dst = src[:nbytes], dst[:nbytes]

	switch kind := inv.Params[0].Kind.Elem; kind {
	case ElemInt8:
		return addConstAs(inv, src, dst, Scalar[int8](addend))
	case ElemUint8:
		return addConstAs(inv, src, dst, Scalar[uint8](addend))
	case ElemInt16:
		return addConstAs(inv, src, dst, Scalar[int16](addend))
	case ElemUint16:
		return addConstAs(inv, src, dst, Scalar[uint16](addend))
	case ElemInt32:
		return addConstAs(inv, src, dst, Scalar[int32](addend))
	case ElemUint32:
		return addConstAs(inv, src, dst, Scalar[uint32](addend))
	case ElemInt64:
		return addConstAs(inv, src, dst, Scalar[int64](addend))
	case ElemUint64:
		return addConstAs(inv, src, dst, Scalar[uint64](addend))
	case ElemFloat32:
		return addConstAs(inv, src, dst, Scalar[float32](addend))
	case ElemFloat64:
		s, r, a := View[float64](src), View[float64](dst), Scalar[float64](addend)
		return inv.ParallelFor(len(r), func(lo, hi int) {
			copy(r[lo:hi], s[lo:hi])
			floats.AddConst(a, r[lo:hi])
		})
	case ElemHalf:
		s, r := View[float16.Float16](src), View[float16.Float16](dst)
		a := Scalar[float16.Float16](addend).Float32()
		return inv.ParallelFor(len(r), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				r[i] = float16.Fromfloat32(s[i].Float32() + a)
			}
		})
	default:
		return fmt.Errorf("%s: unsupported element type %s", inv.Kernel, kind)
	}
}

func addConstAs[T number](inv *Invocation, src, dst []byte, addend T) error {
	s, r := View[T](src), View[T](dst)
	return inv.ParallelFor(len(r), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			r[i] = s[i] + addend
		}
	})
}

func fill(inv *Invocation) error {
	buf, value := inv.Args[0].Mem, inv.Args[1].Value
	nbytes, err := span(inv, buf)
	if err != nil {
		return err
	}
	size := len(value)
	return inv.ParallelFor(nbytes/size, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			copy(buf[i*size:(i+1)*size], value)
		}
	})
}

func copyBuffer(inv *Invocation) error {
	src, dst := inv.Args[0].Mem, inv.Args[1].Mem
	nbytes, err := span(inv, src, dst)
	if err != nil {
		return err
	}
	size := inv.Params[0].Kind.Elem.Size()
	return inv.ParallelFor(nbytes/size, func(lo, hi int) {
		copy(dst[lo*size:hi*size], src[lo*size:hi*size])
	})
}
