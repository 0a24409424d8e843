package main

import (
	"bytes"
	"testing"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "kernelgen "+version+"\n", out)
}

func TestTargets(t *testing.T) {
	out, err := execute(t, "targets")
	require.NoError(t, err)
	for _, name := range []string{"cuda", "opencl", "metal", "webgpu", "host"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "yes")
}

func TestGEMMHost(t *testing.T) {
	out, err := execute(t, "gemm", "-n", "64", "--target", "host", "--repeat", "2", "--print-source")
	require.NoError(t, err)
	assert.Contains(t, out, "built gemm for host")
	assert.Contains(t, out, "kernel gemm_kernel0")
	assert.Contains(t, out, "run 1: launch=")
	assert.Contains(t, out, "check: ok")
}

func TestGEMMErrors(t *testing.T) {
	_, err := execute(t, "gemm", "--target", "vulkan")
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)

	out, err := execute(t, "gemm", "--target", "opencl")
	require.NoError(t, err)
	assert.Equal(t, "skip because opencl is not enabled\n", out)

	_, err = execute(t, "gemm", "-n", "64", "--repeat", "0")
	assert.Error(t, err)
}
