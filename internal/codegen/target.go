// Package codegen prints lowered kernels as device source: CUDA C++, OpenCL C, Metal
// Shading Language, WGSL, and a readable listing for the host executor.
package codegen

import (
	"strings"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/pkg/errors"
)

// Target is a code generation backend.
type Target int

// Supported targets.
const (
	CUDA Target = iota
	OpenCL
	Metal
	WebGPU
	Host
)

var targetNames = [...]string{"cuda", "opencl", "metal", "webgpu", "host"}

var targetLanguages = [...]string{"CUDA C++", "OpenCL C", "Metal Shading Language", "WGSL", "kernel IR"}

// Default thread limits per block (work-group, threadgroup).
var targetThreadLimits = [...]int{1024, 256, 1024, 256, 1024}

// Targets returns every target in declaration order.
func Targets() []Target {
	return []Target{CUDA, OpenCL, Metal, WebGPU, Host}
}

func (t Target) valid() bool {
	return t >= 0 && int(t) < len(targetNames)
}

// String returns the lower-case target name.
func (t Target) String() string {
	if !t.valid() {
		return "unknown"
	}
	return targetNames[t]
}

// Language names the source language emitted for t.
func (t Target) Language() string {
	if !t.valid() {
		return "unknown"
	}
	return targetLanguages[t]
}

// MaxThreadsPerBlock is the block size limit used when Options leave it unset.
func (t Target) MaxThreadsPerBlock() int {
	if !t.valid() {
		return 0
	}
	return targetThreadLimits[t]
}

// ParseTarget parses a target name. "wgsl" is accepted for WebGPU.
func ParseTarget(s string) (Target, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "wgsl" {
		return WebGPU, nil
	}
	for i, n := range targetNames {
		if n == name {
			return Target(i), nil
		}
	}
	return 0, errors.Wrapf(errs.ErrBackendUnavailable, "codegen: unknown target %q", s)
}
