package main

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/born-ml/kernelgen/internal/build"
	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/gemm"
	"github.com/born-ml/kernelgen/internal/runtime"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type gemmOptions struct {
	n           int
	target      string
	device      int
	blockFactor int
	numThread   int
	unroll      int
	dumpDir     string
	repeat      int
	check       bool
	printSource bool
	seed        int64
}

func newGEMMCmd() *cobra.Command {
	defaults := gemm.DefaultParams(1024)
	cfg := build.DefaultConfig()
	opts := gemmOptions{
		n:           defaults.N,
		target:      codegen.Host.String(),
		blockFactor: defaults.BlockFactor,
		numThread:   defaults.NumThread,
		unroll:      cfg.Emit.MaxAutoUnrollStep,
		dumpDir:     cfg.DumpDir,
		repeat:      1,
		check:       true,
		seed:        1,
	}
	cmd := &cobra.Command{
		Use:   "gemm",
		Short: "Build, run and time the tiled GEMM C = A·Bᵀ",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGEMM(cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.n, "size", "n", opts.n, "matrix size N")
	f.StringVarP(&opts.target, "target", "t", opts.target, "target: host, cuda, opencl, metal or webgpu")
	f.IntVar(&opts.device, "device", opts.device, "device index")
	f.IntVar(&opts.blockFactor, "block-factor", opts.blockFactor, "tile of C per block, per dimension")
	f.IntVar(&opts.numThread, "num-thread", opts.numThread, "threads per block, per dimension")
	f.IntVar(&opts.unroll, "unroll", opts.unroll, "max auto unroll step, 0 disables")
	f.StringVar(&opts.dumpDir, "dump-dir", opts.dumpDir, "directory receiving the emitted source")
	f.IntVar(&opts.repeat, "repeat", opts.repeat, "number of timed runs")
	f.BoolVar(&opts.check, "check", opts.check, "compare the result with a float64 reference")
	f.BoolVar(&opts.printSource, "print-source", opts.printSource, "print the emitted source")
	f.Int64Var(&opts.seed, "seed", opts.seed, "random seed for the inputs")
	return cmd
}

func runGEMM(out io.Writer, opts gemmOptions) error {
	target, err := codegen.ParseTarget(opts.target)
	if err != nil {
		return err
	}
	if opts.repeat < 1 {
		return errors.Errorf("--repeat must be positive, got %d", opts.repeat)
	}
	ctx, err := runtime.GetContext(target, opts.device)
	if errs.IsSkippable(err) {
		klog.V(1).Infof("gemm: %v", err)
		fmt.Fprintf(out, "skip because %s is not enabled\n", target)
		return nil
	}
	if err != nil {
		return err
	}

	params := gemm.Params{N: opts.n, DType: tensor.Float32, BlockFactor: opts.blockFactor, NumThread: opts.numThread}
	g, err := gemm.NewGraph(params.N, params.DType)
	if err != nil {
		return err
	}
	s, _, err := gemm.Schedule(g, params)
	if err != nil {
		return err
	}
	cfg := build.DefaultConfig()
	cfg.Name = "gemm"
	cfg.Emit.MaxAutoUnrollStep = opts.unroll
	cfg.DumpDir = opts.dumpDir

	start := time.Now()
	b := build.New(cfg)
	artifact, err := b.Build(s, g.Args(), target)
	if err != nil {
		return err
	}
	fn, err := artifact.Load(ctx)
	if err != nil {
		return err
	}
	defer fn.Release()
	fmt.Fprintf(out, "built %s for %s on %s in %s\n", fn.Name(), target, ctx.DeviceName(), time.Since(start))
	if opts.printSource {
		fmt.Fprintln(out, artifact.Source.Code)
	}

	shape := tensor.Shape{params.N, params.N}
	rng := rand.New(rand.NewSource(opts.seed))
	ha, err := tensor.Rand(shape, params.DType, rng)
	if err != nil {
		return err
	}
	hb, err := tensor.Rand(shape, params.DType, rng)
	if err != nil {
		return err
	}
	var bufs []*runtime.Buffer
	defer func() {
		for _, buf := range bufs {
			if err := buf.Release(); err != nil {
				klog.Warningf("releasing buffer: %v", err)
			}
		}
	}()
	for _, h := range []*tensor.Buffer{ha, hb} {
		buf, err := ctx.Upload(h)
		if err != nil {
			return err
		}
		bufs = append(bufs, buf)
	}
	c, err := ctx.Allocate(shape, params.DType)
	if err != nil {
		return err
	}
	bufs = append(bufs, c)
	//nolint:gosec // buffer sizes are non-negative
	fmt.Fprintf(out, "operands: 3 x %v %s, %s\n", shape, params.DType, humanize.IBytes(uint64(3*ha.ByteSize())))

	flops := 2 * float64(params.N) * float64(params.N) * float64(params.N)
	for i := range opts.repeat {
		start := time.Now()
		if err := fn.Call(bufs[0], bufs[1], c); err != nil {
			return err
		}
		launch := time.Since(start)
		if err := ctx.Synchronize(); err != nil {
			return err
		}
		exec := time.Since(start)
		fmt.Fprintf(out, "run %d: launch=%g sec, exec=%g sec, %s\n", i, launch.Seconds(), exec.Seconds(),
			humanize.SIWithDigits(flops/exec.Seconds(), 2, "FLOP/s"))
	}

	if !opts.check {
		return nil
	}
	got, err := c.Host()
	if err != nil {
		return err
	}
	want, err := gemm.Reference(ha, hb)
	if err != nil {
		return err
	}
	if err := gemm.Check(got, want, gemm.Tolerance(params.N)); err != nil {
		return err
	}
	fmt.Fprintln(out, "check: ok")
	return nil
}
