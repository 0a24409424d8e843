package tensor

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

// Buffer is a dense, row-major host array: the host side of every kernel argument.
type Buffer struct {
	data   []byte
	shape  Shape
	stride []int
	dtype  DataType
}

// NewBuffer creates a zero-filled Buffer with the given shape and type.
func NewBuffer(shape Shape, dtype DataType) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Buffer{
		data:   make([]byte, shape.NumElements()*dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
	}, nil
}

// FromSlice creates a Buffer holding a copy of data.
func FromSlice[T DType](data []T, shape Shape) (*Buffer, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	var dummy T
	b, err := NewBuffer(shape, inferDataType(dummy))
	if err != nil {
		return nil, err
	}
	copy(AsSlice[T](b), data)
	return b, nil
}

// AsSlice interprets the buffer's bytes as []T without copying.
// Panics if T does not match the buffer's dtype.
func AsSlice[T DType](b *Buffer) []T {
	var dummy T
	if dt := inferDataType(dummy); dt != b.dtype {
		panic(fmt.Sprintf("buffer dtype is %s, not %s", b.dtype, dt))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*T)(unsafe.Pointer(&b.data[0])), b.NumElements())
}

// Shape returns the buffer's shape.
func (b *Buffer) Shape() Shape {
	return b.shape
}

// Strides returns the buffer's row-major strides.
func (b *Buffer) Strides() []int {
	return b.stride
}

// DType returns the buffer's data type.
func (b *Buffer) DType() DataType {
	return b.dtype
}

// NumElements returns the total number of elements.
func (b *Buffer) NumElements() int {
	return b.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (b *Buffer) ByteSize() int {
	return len(b.data)
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (b *Buffer) Data() []byte {
	return b.data
}

// Float64s returns a widened copy of the elements.
func (b *Buffer) Float64s() []float64 {
	out := make([]float64, b.NumElements())
	switch b.dtype {
	case Float32:
		for i, v := range AsSlice[float32](b) {
			out[i] = float64(v)
		}
	case Float64:
		copy(out, AsSlice[float64](b))
	case Int32:
		for i, v := range AsSlice[int32](b) {
			out[i] = float64(v)
		}
	case Int64:
		for i, v := range AsSlice[int64](b) {
			out[i] = float64(v)
		}
	case Float16:
		for i := range out {
			bits := uint16(b.data[2*i]) | uint16(b.data[2*i+1])<<8
			out[i] = float64(float16.Frombits(bits).Float32())
		}
	}
	return out
}

// SetFloat64s narrows values into the buffer. len(values) must equal NumElements.
func (b *Buffer) SetFloat64s(values []float64) error {
	if len(values) != b.NumElements() {
		return fmt.Errorf("buffer of shape %v holds %d elements, got %d values", b.shape, b.NumElements(), len(values))
	}
	switch b.dtype {
	case Float32:
		dst := AsSlice[float32](b)
		for i, v := range values {
			dst[i] = float32(v)
		}
	case Float64:
		copy(AsSlice[float64](b), values)
	case Int32:
		dst := AsSlice[int32](b)
		for i, v := range values {
			dst[i] = int32(math.Trunc(v))
		}
	case Int64:
		dst := AsSlice[int64](b)
		for i, v := range values {
			dst[i] = int64(math.Trunc(v))
		}
	case Float16:
		for i, v := range values {
			bits := float16.Fromfloat32(float32(v)).Bits()
			b.data[2*i] = byte(bits)
			b.data[2*i+1] = byte(bits >> 8)
		}
	}
	return nil
}

// CopyFrom copies src's bytes into b. Shapes and dtypes must match.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if !b.shape.Equal(src.shape) || b.dtype != src.dtype {
		return fmt.Errorf("cannot copy %s%v into %s%v", src.dtype, src.shape, b.dtype, b.shape)
	}
	copy(b.data, src.data)
	return nil
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{
		data:   append([]byte(nil), b.data...),
		shape:  b.shape.Clone(),
		stride: append([]int(nil), b.stride...),
		dtype:  b.dtype,
	}
}
