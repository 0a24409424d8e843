// Package build runs the compilation pipeline: normalize the schedule, lower it to
// loop nests, emit source for a target and load it on a device context.
package build

import (
	"os"
	"strconv"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/lower"
	"k8s.io/klog/v2"
)

// Environment variables read by DefaultConfig.
const (
	EnvDumpDir = "KERNELGEN_DUMP_DIR"
	EnvUnroll  = "KERNELGEN_UNROLL"
)

// Config controls a build.
type Config struct {
	// Name is the function name, sanitized into an identifier.
	Name string

	// Emit tunes code generation.
	Emit codegen.Options

	// DumpDir, when set, receives one file with the emitted source per build.
	DumpDir string
}

// DefaultConfig returns the default configuration with environment overrides
// applied.
func DefaultConfig() Config {
	cfg := Config{Name: lower.DefaultName}
	cfg.DumpDir = os.Getenv(EnvDumpDir)
	if v, ok := os.LookupEnv(EnvUnroll); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			klog.Warningf("build: ignoring %s=%q, want a non-negative integer", EnvUnroll, v)
		} else {
			cfg.Emit.MaxAutoUnrollStep = n
		}
	}
	return cfg
}
