package codegen

import (
	"strings"
	"testing"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/gemm"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gemmFunc(t *testing.T) *lower.Func {
	t.Helper()
	g := must.M1(gemm.NewGraph(1024, tensor.Float32))
	s, _, err := gemm.Schedule(g, gemm.DefaultParams(1024))
	require.NoError(t, err)
	fn, err := lower.Lower(s, g.Args(), lower.WithName("gemm"))
	require.NoError(t, err)
	return fn
}

// elementwise lowers out[i] = body(A[i], i) over n elements, optionally bound to
// threadIdx.x.
func elementwise(t *testing.T, n int, dtype tensor.DataType, bind bool, body func(a, i expr.Expr) expr.Expr, names ...string) *lower.Func {
	t.Helper()
	a := expr.Placeholder("A", dtype, expr.Const(n))
	b := must.M1(expr.Compute("B", expr.Consts(n), func(i []*expr.IterVar) expr.Expr {
		return body(a.At(i[0]), i[0])
	}, names...))
	s := must.M1(schedule.New([]*expr.Tensor{b}))
	if bind {
		id := must.M1(s.Stage(b))
		require.NoError(t, s.Bind(id, s.Axes(id)[0], schedule.ThreadX))
	}
	fn, err := lower.Lower(s, []*expr.Tensor{a, b})
	require.NoError(t, err)
	return fn
}

func TestEmitGEMMCUDA(t *testing.T) {
	src, err := Emit(gemmFunc(t), CUDA, Options{})
	require.NoError(t, err)
	code := src.Code

	assert.Contains(t, code,
		`extern "C" __global__ void __launch_bounds__(64) gemm_kernel0(const float* __restrict__ A, const float* __restrict__ B, float* __restrict__ C) {`)
	assert.Contains(t, code, "__shared__ float A_shared[64];")
	assert.Contains(t, code, "__shared__ float B_shared[64];")
	assert.Contains(t, code, "float C_local[64];")
	assert.Contains(t, code, "for (int k = 0; k < 1024; ++k) {")
	assert.Contains(t, code, "C_local[((ii_init * 8) + jj_init)] = 0.0f;")
	assert.Contains(t, code, "((int)blockIdx.x)")
	assert.Equal(t, 3, strings.Count(code, "__syncthreads();"))
	assert.NotContains(t, code, "#pragma unroll")

	require.Len(t, src.Kernels, 1)
	assert.Equal(t, "gemm_kernel0", src.Kernels[0].Name)
	assert.Equal(t, [3]int{16, 16, 1}, src.Kernels[0].Grid)
	assert.Equal(t, code, src.Kernels[0].Code)
}

func TestEmitUnrollPragmas(t *testing.T) {
	fn := gemmFunc(t)
	for _, tc := range []struct {
		step, want int
	}{
		{0, 0},
		{1, 4},  // the extent-1 loops of the two shared copies
		{8, 10}, // every loop except k
		{1024, 11},
	} {
		src, err := Emit(fn, CUDA, Options{MaxAutoUnrollStep: tc.step})
		require.NoError(t, err)
		assert.Equal(t, tc.want, strings.Count(src.Code, "#pragma unroll"), "step %d", tc.step)
	}
}

func TestEmitGEMMOpenCL(t *testing.T) {
	src, err := Emit(gemmFunc(t), OpenCL, Options{})
	require.NoError(t, err)
	code := src.Code
	assert.Contains(t, code, "__kernel __attribute__((reqd_work_group_size(8, 8, 1))) void gemm_kernel0(")
	assert.Contains(t, code, "__global const float* restrict A")
	assert.Contains(t, code, "__global float* restrict C")
	assert.Contains(t, code, "__local float A_shared[64];")
	assert.Contains(t, code, "((int)get_group_id(0))")
	assert.Contains(t, code, "((int)get_local_id(1))")
	assert.Equal(t, 3, strings.Count(code, "barrier(CLK_LOCAL_MEM_FENCE);"))
	assert.NotContains(t, code, "cl_khr_fp64")
}

func TestEmitGEMMMetal(t *testing.T) {
	src, err := Emit(gemmFunc(t), Metal, Options{})
	require.NoError(t, err)
	code := src.Code
	assert.True(t, strings.HasPrefix(code, "#include <metal_stdlib>\nusing namespace metal;\n"))
	assert.Contains(t, code, "const device float* A [[buffer(0)]]")
	assert.Contains(t, code, "device float* C [[buffer(2)]]")
	assert.Contains(t, code, "uint3 threadIdx [[thread_position_in_threadgroup]]")
	assert.Contains(t, code, "threadgroup float A_shared[64];")
	assert.Equal(t, 3, strings.Count(code, "threadgroup_barrier(mem_flags::mem_threadgroup);"))
}

func TestEmitGEMMWGSL(t *testing.T) {
	src, err := Emit(gemmFunc(t), WebGPU, Options{MaxAutoUnrollStep: 8})
	require.NoError(t, err)
	require.Len(t, src.Kernels, 1)
	code := src.Kernels[0].Code
	assert.Contains(t, code, "@group(0) @binding(0) var<storage, read> A: array<f32>;")
	assert.Contains(t, code, "@group(0) @binding(2) var<storage, read_write> C: array<f32>;")
	assert.Contains(t, code, "var<workgroup> A_shared: array<f32, 64>;")
	assert.Contains(t, code, "var C_local: array<f32, 64>;")
	assert.Contains(t, code, "@compute @workgroup_size(8, 8, 1)")
	assert.Contains(t, code, "fn gemm_kernel0(@builtin(workgroup_id) blockIdx: vec3<u32>, @builtin(local_invocation_id) threadIdx: vec3<u32>) {")
	assert.Contains(t, code, "for (var k: i32 = 0; k < 1024; k = k + 1) {")
	assert.Contains(t, code, "i32(blockIdx.x)")
	assert.Equal(t, 3, strings.Count(code, "workgroupBarrier();"))
	assert.NotContains(t, code, "#pragma")
	assert.NotContains(t, code, "enable f16;")
}

func TestEmitHostListing(t *testing.T) {
	src, err := Emit(gemmFunc(t), Host, Options{})
	require.NoError(t, err)
	code := src.Code
	assert.True(t, strings.HasPrefix(code,
		"func gemm(A: float32[1024, 1024], B: float32[1024, 1024], C: float32[1024, 1024])\n"))
	assert.Contains(t, code, "kernel gemm_kernel0 grid(16, 16, 1) block(8, 8, 1) params(A, B, C) {")
	assert.Contains(t, code, "  shared A_shared: float32[64, 1]\n")
	assert.Contains(t, code, "  local C_local: float32[8, 8]\n")
	assert.Contains(t, code, "for k in [0, 1024) {")
	assert.Equal(t, 3, strings.Count(code, "barrier\n"))
}

func TestEmitMixedTypes(t *testing.T) {
	fn := elementwise(t, 16, tensor.Float32, false, func(a, i expr.Expr) expr.Expr {
		return expr.Add(expr.Mul(a, i), expr.Int(2))
	})
	cuda, err := Emit(fn, CUDA, Options{})
	require.NoError(t, err)
	assert.Contains(t, cuda.Code, "B[i0] = ((A[i0] * ((float)i0)) + 2.0f);")

	wgsl, err := Emit(fn, WebGPU, Options{})
	require.NoError(t, err)
	assert.Contains(t, wgsl.Code, "B[i0] = ((A[i0] * f32(i0)) + 2.0f);")
}

func TestEmitThreadLimit(t *testing.T) {
	fn := elementwise(t, 512, tensor.Float32, true, func(a, _ expr.Expr) expr.Expr { return a })

	_, err := Emit(fn, CUDA, Options{})
	require.NoError(t, err)
	_, err = Emit(fn, WebGPU, Options{})
	assert.ErrorIs(t, err, errs.ErrCompilation)
	_, err = Emit(fn, CUDA, Options{MaxThreadsPerBlock: 128})
	assert.ErrorIs(t, err, errs.ErrCompilation)
}

func TestEmitUnsupportedTypes(t *testing.T) {
	fn := elementwise(t, 8, tensor.Float64, false, func(a, _ expr.Expr) expr.Expr { return a })

	for _, target := range []Target{WebGPU, Metal} {
		_, err := Emit(fn, target, Options{})
		assert.ErrorIs(t, err, errs.ErrCompilation, target.String())
	}
	src, err := Emit(fn, CUDA, Options{})
	require.NoError(t, err)
	assert.Contains(t, src.Code, "const double* __restrict__ A")

	src, err = Emit(fn, OpenCL, Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(src.Code, "#pragma OPENCL EXTENSION cl_khr_fp64 : enable\n"))
}

func TestEmitHalf(t *testing.T) {
	fn := elementwise(t, 8, tensor.Float16, false, func(a, _ expr.Expr) expr.Expr {
		return expr.Mul(a, expr.Float(0.5, tensor.Float16))
	})
	src, err := Emit(fn, WebGPU, Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(src.Code, "enable f16;\n"))
	assert.Contains(t, src.Code, "(A[i0] * 0.5h)")

	src, err = Emit(fn, CUDA, Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(src.Code, "#include <cuda_fp16.h>\n"))
}

func TestEmitEscapesReservedNames(t *testing.T) {
	fn := elementwise(t, 4, tensor.Float32, false, func(a, _ expr.Expr) expr.Expr { return a }, "for")
	src, err := Emit(fn, CUDA, Options{})
	require.NoError(t, err)
	assert.Contains(t, src.Code, "for (int for_ = 0; for_ < 4; ++for_) {")
	assert.Contains(t, src.Code, "B[for_] = A[for_];")
}

func TestEmitRejectsEmptyFunction(t *testing.T) {
	_, err := Emit(nil, CUDA, Options{})
	assert.ErrorIs(t, err, errs.ErrCompilation)
	_, err = Emit(&lower.Func{Name: "empty"}, Host, Options{})
	assert.ErrorIs(t, err, errs.ErrCompilation)
}

func TestParseTarget(t *testing.T) {
	for _, target := range Targets() {
		got, err := ParseTarget(strings.ToUpper(target.String()))
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}
	got, err := ParseTarget("wgsl")
	require.NoError(t, err)
	assert.Equal(t, WebGPU, got)

	_, err = ParseTarget("rocm")
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)
	assert.Equal(t, "unknown", Target(42).String())
}
