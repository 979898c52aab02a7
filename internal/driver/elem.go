package driver

import (
	"fmt"
	"strings"
	"unsafe"
)

// ElemKind is a scalar element type understood by devices.
type ElemKind uint8

const (
	ElemInvalid ElemKind = iota
	ElemInt8
	ElemUint8
	ElemInt16
	ElemUint16
	ElemInt32
	ElemUint32
	ElemInt64
	ElemUint64
	ElemHalf
	ElemFloat32
	ElemFloat64
)

var elemNames = [...]string{
	ElemInvalid: "invalid",
	ElemInt8:    "char",
	ElemUint8:   "uchar",
	ElemInt16:   "short",
	ElemUint16:  "ushort",
	ElemInt32:   "int",
	ElemUint32:  "uint",
	ElemInt64:   "long",
	ElemUint64:  "ulong",
	ElemHalf:    "half",
	ElemFloat32: "float",
	ElemFloat64: "double",
}

// String returns the device source spelling of the type.
func (k ElemKind) String() string {
	if int(k) < len(elemNames) {
		return elemNames[k]
	}
	return fmt.Sprintf("elem(%d)", uint8(k))
}

// Size is the width of one element in bytes.
func (k ElemKind) Size() int {
	switch k {
	case ElemInt8, ElemUint8:
		return 1
	case ElemInt16, ElemUint16, ElemHalf:
		return 2
	case ElemInt32, ElemUint32, ElemFloat32:
		return 4
	case ElemInt64, ElemUint64, ElemFloat64:
		return 8
	default:
		return 0
	}
}

// ParseElemKind maps a device source type name to an ElemKind. The
// "unsigned" prefix and the cl_ typedef spellings are accepted.
func ParseElemKind(name string) (ElemKind, error) {
	fields := strings.Fields(name)
	if len(fields) == 2 && fields[0] == "unsigned" {
		switch fields[1] {
		case "char":
			return ElemUint8, nil
		case "short":
			return ElemUint16, nil
		case "int":
			return ElemUint32, nil
		case "long":
			return ElemUint64, nil
		}
	}
	if len(fields) != 1 {
		return ElemInvalid, fmt.Errorf("unsupported element type %q", name)
	}
	spelled := strings.TrimPrefix(fields[0], "cl_")
	for k, n := range elemNames {
		if k != int(ElemInvalid) && n == spelled {
			return ElemKind(k), nil
		}
	}
	return ElemInvalid, fmt.Errorf("unsupported element type %q", name)
}

// Bytes reinterprets a slice of fixed-size elements as its backing bytes.
// The result aliases s.
func Bytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// View reinterprets device bytes as a slice of T. b must be aligned for T,
// which holds for all buffers allocated by the software device.
func View[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/size)
}

// Scalar decodes one scalar argument value.
func Scalar[T any](b []byte) T {
	var v T
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v)), b)
	return v
}
