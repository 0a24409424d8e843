package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
)

var cReserved = map[string]bool{
	"auto": true, "break": true, "case": true, "char": true, "const": true, "continue": true,
	"default": true, "do": true, "double": true, "else": true, "float": true, "for": true,
	"half": true, "if": true, "int": true, "long": true, "return": true, "short": true,
	"signed": true, "sizeof": true, "static": true, "struct": true, "switch": true,
	"unsigned": true, "void": true, "while": true, "min": true, "max": true,
	"kernel": true, "device": true, "constant": true, "global": true, "local": true,
	"private": true, "threadgroup": true, "thread": true, "restrict": true,
	"blockIdx": true, "threadIdx": true,
}

// cDialect is one of the C-like kernel languages.
type cDialect struct {
	syn *syntax

	header func(fn *lower.Func) []string
	// kernelHead prints the signature up to and including the opening brace.
	kernelHead func(k *lower.Kernel, params []string) string
	param      func(b *lower.Buffer, ty string, index int, readOnly bool) string
	alloc      func(b *lower.Buffer, ty string) string
}

func cLiteral(suffix32 string, half func(string) string) func(float64, tensor.DataType) string {
	return func(v float64, dt tensor.DataType) string {
		s := floatText(v)
		switch dt {
		case tensor.Float32:
			return s + suffix32
		case tensor.Float16:
			return half(s + suffix32)
		}
		return s
	}
}

func cCast(ty, x string) string { return "((" + ty + ")" + x + ")" }

func cLoop(v string, extent int) string {
	return fmt.Sprintf("for (int %s = 0; %s < %d; ++%s)", v, v, extent, v)
}

func usesType(fn *lower.Func, dt tensor.DataType) bool {
	for _, b := range fn.Globals() {
		if b.DType == dt {
			return true
		}
	}
	for _, k := range fn.Kernels {
		for _, b := range k.Allocs {
			if b.DType == dt {
				return true
			}
		}
	}
	return false
}

func newCUDA() *cDialect {
	syn := &syntax{
		target: CUDA,
		scalars: map[tensor.DataType]string{
			tensor.Float32: "float", tensor.Float64: "double", tensor.Float16: "half",
			tensor.Int32: "int", tensor.Int64: "long long",
		},
		hw:      func(d schedule.HWDim) string { return "((int)" + d.String() + ")" },
		literal: cLiteral("f", func(s string) string { return "__float2half(" + s + ")" }),
		cast:    cCast,
		minMax: func(op lower.Op, dt tensor.DataType) string {
			name := op.String()
			switch dt {
			case tensor.Float32:
				return "f" + name + "f"
			case tensor.Float64:
				return "f" + name
			case tensor.Float16:
				return "__h" + name
			}
			return name
		},
		fmod: func(dt tensor.DataType) string {
			if dt == tensor.Float32 {
				return "fmodf"
			}
			return "fmod"
		},
		loop:     cLoop,
		barrier:  "__syncthreads();",
		unroll:   "#pragma unroll",
		reserved: cReserved,
	}
	return &cDialect{
		syn: syn,
		header: func(fn *lower.Func) []string {
			if usesType(fn, tensor.Float16) {
				return []string{"#include <cuda_fp16.h>"}
			}
			return nil
		},
		kernelHead: func(k *lower.Kernel, params []string) string {
			return fmt.Sprintf("extern \"C\" __global__ void __launch_bounds__(%d) %s(%s) {",
				k.Threads(), k.Name, strings.Join(params, ", "))
		},
		param: func(b *lower.Buffer, ty string, _ int, readOnly bool) string {
			if readOnly {
				return "const " + ty + "* __restrict__ " + syn.ident(b.Name)
			}
			return ty + "* __restrict__ " + syn.ident(b.Name)
		},
		alloc: func(b *lower.Buffer, ty string) string {
			decl := fmt.Sprintf("%s %s[%d];", ty, syn.ident(b.Name), b.Size())
			if b.Scope == schedule.Shared {
				return "__shared__ " + decl
			}
			return decl
		},
	}
}

func newOpenCL() *cDialect {
	syn := &syntax{
		target: OpenCL,
		scalars: map[tensor.DataType]string{
			tensor.Float32: "float", tensor.Float64: "double", tensor.Float16: "half",
			tensor.Int32: "int", tensor.Int64: "long",
		},
		hw: func(d schedule.HWDim) string {
			fn := "get_local_id"
			if d.IsBlock() {
				fn = "get_group_id"
			}
			return "((int)" + fn + "(" + strconv.Itoa(d.Component()) + "))"
		},
		literal: cLiteral("f", func(s string) string { return "((half)" + s + ")" }),
		cast:    cCast,
		minMax: func(op lower.Op, dt tensor.DataType) string {
			if dt.IsFloat() {
				return "f" + op.String()
			}
			return op.String()
		},
		fmod:     func(tensor.DataType) string { return "fmod" },
		loop:     cLoop,
		barrier:  "barrier(CLK_LOCAL_MEM_FENCE);",
		unroll:   "#pragma unroll",
		reserved: cReserved,
	}
	return &cDialect{
		syn: syn,
		header: func(fn *lower.Func) []string {
			var lines []string
			if usesType(fn, tensor.Float64) {
				lines = append(lines, "#pragma OPENCL EXTENSION cl_khr_fp64 : enable")
			}
			if usesType(fn, tensor.Float16) {
				lines = append(lines, "#pragma OPENCL EXTENSION cl_khr_fp16 : enable")
			}
			return lines
		},
		kernelHead: func(k *lower.Kernel, params []string) string {
			return fmt.Sprintf("__kernel __attribute__((reqd_work_group_size(%d, %d, %d))) void %s(%s) {",
				k.Block[0], k.Block[1], k.Block[2], k.Name, strings.Join(params, ", "))
		},
		param: func(b *lower.Buffer, ty string, _ int, readOnly bool) string {
			if readOnly {
				return "__global const " + ty + "* restrict " + syn.ident(b.Name)
			}
			return "__global " + ty + "* restrict " + syn.ident(b.Name)
		},
		alloc: func(b *lower.Buffer, ty string) string {
			decl := fmt.Sprintf("%s %s[%d];", ty, syn.ident(b.Name), b.Size())
			if b.Scope == schedule.Shared {
				return "__local " + decl
			}
			return decl
		},
	}
}

func newMetal() *cDialect {
	syn := &syntax{
		target: Metal,
		scalars: map[tensor.DataType]string{
			tensor.Float32: "float", tensor.Float16: "half", tensor.Int32: "int", tensor.Int64: "long",
		},
		hw:       func(d schedule.HWDim) string { return "((int)" + d.String() + ")" },
		literal:  cLiteral("f", func(s string) string { return "((half)" + s + ")" }),
		cast:     cCast,
		minMax:   func(op lower.Op, _ tensor.DataType) string { return op.String() },
		fmod:     func(tensor.DataType) string { return "fmod" },
		loop:     cLoop,
		barrier:  "threadgroup_barrier(mem_flags::mem_threadgroup);",
		unroll:   "#pragma unroll",
		reserved: cReserved,
	}
	return &cDialect{
		syn: syn,
		header: func(*lower.Func) []string {
			return []string{"#include <metal_stdlib>", "using namespace metal;"}
		},
		kernelHead: func(k *lower.Kernel, params []string) string {
			params = append(params,
				"uint3 blockIdx [[threadgroup_position_in_grid]]",
				"uint3 threadIdx [[thread_position_in_threadgroup]]")
			return fmt.Sprintf("kernel void %s(%s) {", k.Name, strings.Join(params, ", "))
		},
		param: func(b *lower.Buffer, ty string, index int, readOnly bool) string {
			qual := "device "
			if readOnly {
				qual = "const device "
			}
			return fmt.Sprintf("%s%s* %s [[buffer(%d)]]", qual, ty, syn.ident(b.Name), index)
		},
		alloc: func(b *lower.Buffer, ty string) string {
			decl := fmt.Sprintf("%s %s[%d];", ty, syn.ident(b.Name), b.Size())
			if b.Scope == schedule.Shared {
				return "threadgroup " + decl
			}
			return decl
		},
	}
}

func emitC(fn *lower.Func, target Target, opts Options) (*Source, error) {
	var d *cDialect
	switch target {
	case CUDA:
		d = newCUDA()
	case OpenCL:
		d = newOpenCL()
	case Metal:
		d = newMetal()
	default:
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "codegen: %s is not a C-like target", target)
	}
	if err := d.syn.checkTypes(fn); err != nil {
		return nil, err
	}

	p := &printer{syn: d.syn, opts: opts}
	for _, l := range d.header(fn) {
		p.line("%s", l)
	}
	for i, k := range fn.Kernels {
		if i > 0 || p.sb.Len() > 0 {
			p.line("")
		}
		out := written(k)
		params := make([]string, len(k.Params))
		for j, b := range k.Params {
			params[j] = d.param(b, d.syn.scalars[b.DType], j, !out[b])
		}
		p.line("%s", d.kernelHead(k, params))
		p.ind++
		for _, b := range k.Allocs {
			p.line("%s", d.alloc(b, d.syn.scalars[b.DType]))
		}
		p.stmts(k.Body)
		p.ind--
		p.line("}")
	}

	code := p.sb.String()
	src := &Source{Target: target, Code: code, Func: fn}
	for _, k := range fn.Kernels {
		src.Kernels = append(src.Kernels, &Kernel{Kernel: k, Code: code})
	}
	return src, nil
}
