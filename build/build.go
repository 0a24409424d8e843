// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package build compiles a schedule into a function for a target.
//
// Example:
//
//	art, err := build.Build(s, []*expr.Tensor{a, b, c}, runtime.CUDA)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(art.Source.Code)
//	fn, err := art.Load(ctx)
package build

import (
	"github.com/born-ml/kernelgen/expr"
	"github.com/born-ml/kernelgen/internal/build"
	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/runtime"
	"github.com/born-ml/kernelgen/schedule"
)

type (
	// Config controls a build.
	Config = build.Config
	// EmitOptions tune code generation.
	EmitOptions = codegen.Options
	// Builder builds schedules and caches the results.
	Builder = build.Builder
	// Artifact holds the lowered function and its source.
	Artifact = build.Artifact
)

// DefaultConfig reads KERNELGEN_DUMP_DIR and KERNELGEN_UNROLL.
func DefaultConfig() Config { return build.DefaultConfig() }

// New returns a builder.
func New(cfg Config) *Builder { return build.New(cfg) }

// Build builds s over args for target with the shared default builder.
func Build(s *schedule.Schedule, args []*expr.Tensor, target runtime.Target) (*Artifact, error) {
	return build.Build(s, args, target)
}
