package tensor

import (
	"math/rand"
)

// Zeros creates a zero-filled buffer.
func Zeros(shape Shape, dtype DataType) (*Buffer, error) {
	return NewBuffer(shape, dtype)
}

// Rand creates a buffer with values uniformly distributed in [0, 1), drawn from rng.
// Integer buffers receive zeros.
func Rand(shape Shape, dtype DataType, rng *rand.Rand) (*Buffer, error) {
	b, err := NewBuffer(shape, dtype)
	if err != nil {
		return nil, err
	}
	if !dtype.IsFloat() {
		return b, nil
	}
	values := make([]float64, b.NumElements())
	for i := range values {
		values[i] = rng.Float64()
	}
	if err := b.SetFloat64s(values); err != nil {
		return nil, err
	}
	return b, nil
}
