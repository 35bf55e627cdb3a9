package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"pipelined.dev/pipeline/caps"
)

var (
	// ErrTypeMismatch is returned when array values are requested as a
	// type different from array dtype.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrShape is returned when shape doesn't match data size.
	ErrShape = errors.New("invalid shape")
)

// Number is a type which can be an array element.
type Number interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~int32 | ~float32 | ~float64
}

// Array is a dense n-dimensional row-major array over a byte slice. It
// can be a view over engine memory, see Frame.Release.
type Array struct {
	DType     caps.DType
	Shape     []int
	BigEndian bool
	data      []byte
}

var littleEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// NewArray wraps data into array without copying.
func NewArray(dtype caps.DType, shape []int, data []byte) (Array, error) {
	if n := product(shape); n*dtype.Size() != len(data) {
		return Array{}, fmt.Errorf("%w: %v of %v needs %d bytes, got %d", ErrShape, shape, dtype, n*dtype.Size(), len(data))
	}
	return Array{DType: dtype, Shape: shape, data: data}, nil
}

// Of returns array of provided values. Data is shared with values slice
// on little-endian hosts.
func Of[T Number](shape []int, values []T) (Array, error) {
	dtype := dtypeOf[T]()
	if product(shape) != len(values) {
		return Array{}, fmt.Errorf("%w: %v holds %d values, got %d", ErrShape, shape, product(shape), len(values))
	}
	if len(values) == 0 {
		return Array{DType: dtype, Shape: shape}, nil
	}
	size := len(values) * dtype.Size()
	if littleEndianHost {
		data := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), size)
		return Array{DType: dtype, Shape: shape, data: data}, nil
	}
	data := make([]byte, size)
	for i, v := range values {
		putValue(data[i*dtype.Size():], dtype, false, v)
	}
	return Array{DType: dtype, Shape: shape, data: data}, nil
}

// Values returns array values as a slice of T. The slice is a view over
// array memory when layout allows, otherwise it's a copy.
func Values[T Number](a Array) ([]T, error) {
	dtype := dtypeOf[T]()
	if dtype != a.DType {
		return nil, fmt.Errorf("%w: array is %v, requested %v", ErrTypeMismatch, a.DType, dtype)
	}
	n := a.Len()
	if n == 0 {
		return []T{}, nil
	}
	if littleEndianHost && !a.BigEndian && uintptr(unsafe.Pointer(&a.data[0]))%uintptr(dtype.Size()) == 0 {
		return unsafe.Slice((*T)(unsafe.Pointer(&a.data[0])), n), nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = value[T](a.data[i*dtype.Size():], dtype, a.BigEndian)
	}
	return out, nil
}

// Bytes returns raw array memory.
func (a Array) Bytes() []byte {
	return a.data
}

// Len returns number of elements.
func (a Array) Len() int {
	if a.DType.Size() == 0 {
		return 0
	}
	return len(a.data) / a.DType.Size()
}

// Size returns size of array memory in bytes.
func (a Array) Size() int {
	return len(a.data)
}

// Squeeze returns array with dimensions of size one removed.
func (a Array) Squeeze() Array {
	shape := make([]int, 0, len(a.Shape))
	for _, d := range a.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) == 0 && len(a.Shape) > 0 {
		shape = append(shape, 1)
	}
	a.Shape = shape
	return a
}

// Clone returns a deep copy of array.
func (a Array) Clone() Array {
	c := a
	c.Shape = append([]int(nil), a.Shape...)
	c.data = append([]byte(nil), a.data...)
	return c
}

func (a Array) String() string {
	return fmt.Sprintf("array(%v, %v)", a.Shape, a.DType)
}

func product(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func dtypeOf[T Number]() caps.DType {
	var v T
	switch any(v).(type) {
	case uint8:
		return caps.Uint8
	case int8:
		return caps.Int8
	case uint16:
		return caps.Uint16
	case int16:
		return caps.Int16
	case int32:
		return caps.Int32
	case float32:
		return caps.Float32
	case float64:
		return caps.Float64
	}
	// named types based on numbers
	switch unsafe.Sizeof(v) {
	case 1:
		if T(0)-1 > 0 {
			return caps.Uint8
		}
		return caps.Int8
	case 2:
		if T(0)-1 > 0 {
			return caps.Uint16
		}
		return caps.Int16
	case 4:
		if T(1)/2 > 0 {
			return caps.Float32
		}
		return caps.Int32
	}
	return caps.Float64
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func value[T Number](b []byte, dtype caps.DType, bigEndian bool) T {
	order := byteOrder(bigEndian)
	switch dtype {
	case caps.Uint8:
		return T(b[0])
	case caps.Int8:
		return T(int8(b[0]))
	case caps.Uint16:
		return T(order.Uint16(b))
	case caps.Int16:
		return T(int16(order.Uint16(b)))
	case caps.Int32:
		return T(int32(order.Uint32(b)))
	case caps.Float32:
		return T(math.Float32frombits(order.Uint32(b)))
	case caps.Float64:
		return T(math.Float64frombits(order.Uint64(b)))
	}
	return 0
}

func putValue[T Number](b []byte, dtype caps.DType, bigEndian bool, v T) {
	order := byteOrder(bigEndian)
	switch dtype {
	case caps.Uint8:
		b[0] = uint8(v)
	case caps.Int8:
		b[0] = uint8(int8(v))
	case caps.Uint16:
		order.PutUint16(b, uint16(v))
	case caps.Int16:
		order.PutUint16(b, uint16(int16(v)))
	case caps.Int32:
		order.PutUint32(b, uint32(int32(v)))
	case caps.Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case caps.Float64:
		order.PutUint64(b, math.Float64bits(float64(v)))
	}
}
