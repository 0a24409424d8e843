package codegen

import (
	"fmt"
	"strings"

	"github.com/born-ml/kernelgen/internal/lower"
)

// emitHost prints the kernel IR the host executor runs, in the IR's own notation.
func emitHost(fn *lower.Func) *Source {
	var sb strings.Builder
	decl := func(bufs []*lower.Buffer) string {
		parts := make([]string, len(bufs))
		for i, b := range bufs {
			parts[i] = bufferDecl(b)
		}
		return strings.Join(parts, ", ")
	}
	fmt.Fprintf(&sb, "func %s(%s)\n", fn.Name, decl(fn.Args))
	if len(fn.Workspace) > 0 {
		fmt.Fprintf(&sb, "workspace %s\n", decl(fn.Workspace))
	}
	for _, k := range fn.Kernels {
		names := make([]string, len(k.Params))
		for i, b := range k.Params {
			names[i] = b.Name
		}
		fmt.Fprintf(&sb, "\nkernel %s grid(%d, %d, %d) block(%d, %d, %d) params(%s) {\n",
			k.Name, k.Grid[0], k.Grid[1], k.Grid[2], k.Block[0], k.Block[1], k.Block[2], strings.Join(names, ", "))
		for _, b := range k.Allocs {
			fmt.Fprintf(&sb, "  %s %s\n", b.Scope, bufferDecl(b))
		}
		writeIR(&sb, k.Body, 1)
		sb.WriteString("}\n")
	}
	code := sb.String()
	src := &Source{Target: Host, Code: code, Func: fn}
	for _, k := range fn.Kernels {
		src.Kernels = append(src.Kernels, &Kernel{Kernel: k, Code: code})
	}
	return src
}

func bufferDecl(b *lower.Buffer) string {
	dims := make([]string, len(b.Shape))
	for i, d := range b.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s: %s[%s]", b.Name, b.DType, strings.Join(dims, ", "))
}

func writeIR(sb *strings.Builder, body []lower.Stmt, depth int) {
	pad := strings.Repeat("  ", depth)
	for _, s := range body {
		switch n := s.(type) {
		case *lower.For:
			fmt.Fprintf(sb, "%sfor %s in [0, %d) {\n", pad, n.Var.Name, n.Extent)
			writeIR(sb, n.Body, depth+1)
			sb.WriteString(pad + "}\n")
		case *lower.If:
			fmt.Fprintf(sb, "%sif %s {\n", pad, n.Cond)
			writeIR(sb, n.Body, depth+1)
			sb.WriteString(pad + "}\n")
		case *lower.Barrier:
			sb.WriteString(pad + "barrier\n")
		case *lower.Store:
			fmt.Fprintf(sb, "%s%s[%s] = %s\n", pad, n.Buffer.Name, n.Index, n.Value)
		}
	}
}
