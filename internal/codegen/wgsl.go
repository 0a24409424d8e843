package codegen

import (
	"fmt"
	"strings"

	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
)

var wgslReserved = map[string]bool{
	"array": true, "bool": true, "break": true, "const": true, "continue": true, "else": true,
	"enable": true, "f16": true, "f32": true, "false": true, "fn": true, "for": true,
	"function": true, "i32": true, "if": true, "let": true, "loop": true, "override": true,
	"private": true, "return": true, "storage": true, "struct": true, "switch": true,
	"true": true, "u32": true, "uniform": true, "var": true, "while": true, "workgroup": true,
	"min": true, "max": true, "main": true, "blockIdx": true, "threadIdx": true,
}

func newWGSL() *syntax {
	return &syntax{
		target: WebGPU,
		scalars: map[tensor.DataType]string{
			tensor.Float32: "f32", tensor.Float16: "f16", tensor.Int32: "i32",
		},
		hw: func(d schedule.HWDim) string {
			return "i32(" + d.String() + ")"
		},
		literal: func(v float64, dt tensor.DataType) string {
			if dt == tensor.Float16 {
				return floatText(v) + "h"
			}
			return floatText(v) + "f"
		},
		cast:   func(ty, x string) string { return ty + "(" + x + ")" },
		minMax: func(op lower.Op, _ tensor.DataType) string { return op.String() },
		fmod:   func(tensor.DataType) string { return "" },
		loop: func(v string, extent int) string {
			return fmt.Sprintf("for (var %s: i32 = 0; %s < %d; %s = %s + 1)", v, v, extent, v, v)
		},
		barrier:  "workgroupBarrier();",
		reserved: wgslReserved,
	}
}

// emitWGSL prints one shader module per kernel. Storage buffers are bound in group
// 0 in the order of the kernel's parameters; the entry point is the kernel name.
func emitWGSL(fn *lower.Func) (*Source, error) {
	syn := newWGSL()
	if err := syn.checkTypes(fn); err != nil {
		return nil, err
	}
	src := &Source{Target: WebGPU, Func: fn}
	modules := make([]string, 0, len(fn.Kernels))
	for _, k := range fn.Kernels {
		p := &printer{syn: syn}
		if usesType(fn, tensor.Float16) {
			p.line("enable f16;")
			p.line("")
		}
		out := written(k)
		for i, b := range k.Params {
			access := "read"
			if out[b] {
				access = "read_write"
			}
			p.line("@group(0) @binding(%d) var<storage, %s> %s: array<%s>;", i, access, syn.ident(b.Name), syn.scalars[b.DType])
		}
		var locals []*lower.Buffer
		for _, b := range k.Allocs {
			if b.Scope == schedule.Shared {
				p.line("var<workgroup> %s: array<%s, %d>;", syn.ident(b.Name), syn.scalars[b.DType], b.Size())
				continue
			}
			locals = append(locals, b)
		}
		p.line("")
		p.line("@compute @workgroup_size(%d, %d, %d)", k.Block[0], k.Block[1], k.Block[2])
		p.line("fn %s(@builtin(workgroup_id) blockIdx: vec3<u32>, @builtin(local_invocation_id) threadIdx: vec3<u32>) {", k.Name)
		p.ind++
		for _, b := range locals {
			p.line("var %s: array<%s, %d>;", syn.ident(b.Name), syn.scalars[b.DType], b.Size())
		}
		p.stmts(k.Body)
		p.ind--
		p.line("}")

		code := p.sb.String()
		modules = append(modules, code)
		src.Kernels = append(src.Kernels, &Kernel{Kernel: k, Code: code})
	}
	src.Code = strings.Join(modules, "\n")
	return src, nil
}
