// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package schedule decides how a computation runs: loop splits, fusion and order,
// hardware bindings, staging through shared and local memory, and where producers
// are computed.
//
// Directives return errors and the first error is sticky: every later directive on
// the same schedule returns it, so a sequence can be checked once with Err.
//
// Example:
//
//	s, _ := schedule.New([]*expr.Tensor{c})
//	id, _ := s.Stage(c)
//	axes := s.Axes(id)
//	bx, tx, _ := s.Split(id, axes[0], schedule.Factor(64))
//	_ = s.Bind(id, bx, schedule.BlockX)
//	_ = s.Bind(id, tx, schedule.ThreadX)
//	if err := s.Err(); err != nil {
//	    log.Fatal(err)
//	}
package schedule

import (
	"github.com/born-ml/kernelgen/expr"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/schedule"
)

type (
	// Schedule is the owned set of stages and axes of a computation.
	Schedule = schedule.Schedule
	// StageID identifies a stage of a schedule.
	StageID = schedule.StageID
	// AxisID identifies an axis of a schedule.
	AxisID = schedule.AxisID
	// Scope is a memory scope.
	Scope = schedule.Scope
	// HWDim is a hardware dimension.
	HWDim = schedule.HWDim
	// SplitArg is Factor or NParts.
	SplitArg = schedule.SplitArg
	// Factor splits so that the inner axis has the given extent.
	Factor = schedule.Factor
	// NParts splits so that the outer axis has the given extent.
	NParts = schedule.NParts
	// Option configures New.
	Option = schedule.Option
)

// Memory scopes.
const (
	Global = schedule.Global
	Shared = schedule.Shared
	Local  = schedule.Local
)

// Hardware dimensions.
const (
	BlockX  = schedule.BlockX
	BlockY  = schedule.BlockY
	BlockZ  = schedule.BlockZ
	ThreadX = schedule.ThreadX
	ThreadY = schedule.ThreadY
	ThreadZ = schedule.ThreadZ
)

// Errors returned by directives and normalization. Test with errors.Is.
var (
	ErrInvalidTransform   = errs.ErrInvalidTransform
	ErrAxisSetMismatch    = errs.ErrAxisSetMismatch
	ErrDuplicateBinding   = errs.ErrDuplicateBinding
	ErrAttachCycle        = errs.ErrAttachCycle
	ErrUnscheduledStage   = errs.ErrUnscheduledStage
	ErrBoundsUnresolvable = errs.ErrBoundsUnresolvable
)

// New creates the default schedule of outputs and every tensor they read.
func New(outputs []*expr.Tensor, opts ...Option) (*Schedule, error) {
	return schedule.New(outputs, opts...)
}

// WithExtent binds a symbolic extent.
func WithExtent(name string, value int) Option {
	return schedule.WithExtent(name, value)
}

// ParseScope converts "global", "shared" or "local".
func ParseScope(name string) (Scope, error) { return schedule.ParseScope(name) }

// ParseHWDim converts names such as "blockIdx.x" or "threadIdx.y".
func ParseHWDim(name string) (HWDim, error) { return schedule.ParseHWDim(name) }
