package schedule

import (
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/pkg/errors"
)

// Scope is the level of the memory hierarchy a stage's output lives in.
type Scope int

const (
	// Global is device memory visible to every block. Outputs and inputs live here.
	Global Scope = iota
	// Shared is block-local memory, visible to all threads of a block.
	Shared
	// Local is thread-private storage (registers).
	Local
)

func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case Shared:
		return "shared"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// ParseScope converts "global", "shared" or "local" to a Scope.
func ParseScope(name string) (Scope, error) {
	switch name {
	case "global":
		return Global, nil
	case "shared":
		return Shared, nil
	case "local":
		return Local, nil
	}
	return Global, errors.Wrapf(errs.ErrInvalidTransform, "unknown memory scope %q", name)
}

// HWDim is a hardware parallelism dimension an axis can be bound to.
type HWDim int

const (
	BlockX HWDim = iota
	BlockY
	BlockZ
	ThreadX
	ThreadY
	ThreadZ
)

// NumHWDims is the number of hardware dimensions.
const NumHWDims = 6

var hwDimNames = [NumHWDims]string{
	"blockIdx.x", "blockIdx.y", "blockIdx.z",
	"threadIdx.x", "threadIdx.y", "threadIdx.z",
}

func (d HWDim) String() string {
	if d < 0 || d >= NumHWDims {
		return "unknown"
	}
	return hwDimNames[d]
}

// IsBlock reports whether d indexes blocks of the grid.
func (d HWDim) IsBlock() bool { return d <= BlockZ }

// IsThread reports whether d indexes threads within a block.
func (d HWDim) IsThread() bool { return d >= ThreadX && d <= ThreadZ }

// Component returns 0, 1 or 2 for the x, y or z component.
func (d HWDim) Component() int { return int(d) % 3 }

// ParseHWDim converts names such as "blockIdx.x" or "threadIdx.y" to an HWDim.
func ParseHWDim(name string) (HWDim, error) {
	for i, n := range hwDimNames {
		if n == name {
			return HWDim(i), nil
		}
	}
	return 0, errors.Wrapf(errs.ErrInvalidTransform, "unknown hardware dimension %q", name)
}
