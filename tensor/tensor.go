// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides host buffers: dense row-major arrays with a shape and an
// element type, used to move data to and from devices.
//
// Example:
//
//	a, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
//	dev, _ := ctx.Upload(a)
//	back, _ := dev.Host()
package tensor

import (
	"math/rand"

	"github.com/born-ml/kernelgen/internal/tensor"
)

// DataType is an element type.
type DataType = tensor.DataType

// Supported element types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Float16 = tensor.Float16
)

// DType constrains the Go element types a Buffer can be viewed as.
type DType = tensor.DType

// Shape is the extent of each dimension.
type Shape = tensor.Shape

// Buffer is a host array.
type Buffer = tensor.Buffer

// NewBuffer allocates a zeroed buffer.
func NewBuffer(shape Shape, dtype DataType) (*Buffer, error) {
	return tensor.NewBuffer(shape, dtype)
}

// FromSlice copies data into a new buffer of the given shape.
func FromSlice[T DType](data []T, shape Shape) (*Buffer, error) {
	return tensor.FromSlice(data, shape)
}

// AsSlice views the elements of b as a []T. T must match b's element type.
func AsSlice[T DType](b *Buffer) []T {
	return tensor.AsSlice[T](b)
}

// Zeros allocates a zeroed buffer.
func Zeros(shape Shape, dtype DataType) (*Buffer, error) {
	return tensor.Zeros(shape, dtype)
}

// Rand fills a new buffer with uniform values in [0, 1).
func Rand(shape Shape, dtype DataType, rng *rand.Rand) (*Buffer, error) {
	return tensor.Rand(shape, dtype, rng)
}
