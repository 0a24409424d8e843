package build

import (
	"fmt"
	"strings"
	"sync"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/runtime"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Artifact is the result of building a schedule for one target.
type Artifact struct {
	// Key identifies the schedule, arguments, target and options built.
	Key uuid.UUID

	Func   *lower.Func
	Source *codegen.Source

	mu     sync.Mutex
	loaded map[uuid.UUID]*runtime.Function
}

// Load returns the artifact's function on ctx, compiling it on first use and again
// after the function was released.
func (a *Artifact) Load(ctx *runtime.Context) (*runtime.Function, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.loaded[ctx.ID]; ok && !f.Released() {
		return f, nil
	}
	f, err := ctx.Load(a.Source)
	if err != nil {
		return nil, err
	}
	if a.loaded == nil {
		a.loaded = make(map[uuid.UUID]*runtime.Function)
	}
	a.loaded[ctx.ID] = f
	return f, nil
}

// Builder builds schedules and caches the artifacts.
type Builder struct {
	cfg Config

	mu           sync.Mutex
	cache        map[uuid.UUID]*Artifact
	hits, misses int
}

// New returns a builder with configuration cfg.
func New(cfg Config) *Builder {
	return &Builder{cfg: cfg, cache: make(map[uuid.UUID]*Artifact)}
}

// Config returns the builder configuration.
func (b *Builder) Config() Config { return b.cfg }

// Stats returns the number of cache hits and misses so far.
func (b *Builder) Stats() (hits, misses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits, b.misses
}

// key hashes everything that changes the emitted source.
func (b *Builder) key(s *schedule.Schedule, args []*expr.Tensor, target codegen.Target) uuid.UUID {
	var sb strings.Builder
	sb.WriteString(s.Fingerprint())
	for _, t := range args {
		fmt.Fprintf(&sb, "arg %s %s%v\n", t.Name, t.DType, t.Shape)
	}
	fmt.Fprintf(&sb, "target %s name %s emit %+v", target, b.cfg.Name, b.cfg.Emit)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sb.String()))
}

// Build normalizes s, lowers it over args and emits source for target. Identical
// requests return the cached artifact.
func (b *Builder) Build(s *schedule.Schedule, args []*expr.Tensor, target codegen.Target) (*Artifact, error) {
	if _, err := s.Normalize(); err != nil {
		return nil, err
	}
	key := b.key(s, args, target)

	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.cache[key]; ok {
		b.hits++
		klog.V(1).Infof("build: %s for %s cached [%s]", b.cfg.Name, target, key)
		return a, nil
	}
	b.misses++

	fn, err := lower.Lower(s, args, lower.WithName(b.cfg.Name))
	if err != nil {
		return nil, err
	}
	src, err := codegen.Emit(fn, target, b.cfg.Emit)
	if err != nil {
		return nil, err
	}
	a := &Artifact{Key: key, Func: fn, Source: src}
	if b.cfg.DumpDir != "" {
		if err := dump(b.cfg.DumpDir, a); err != nil {
			// The artifact is still usable.
			klog.Warningf("build: dumping %s: %+v", fn.Name, err)
		}
	}
	b.cache[key] = a
	klog.V(1).Infof("build: %s for %s built [%s]", fn.Name, target, key)
	return a, nil
}

// Run builds s for ctx's target and loads the result on ctx.
func (b *Builder) Run(ctx *runtime.Context, s *schedule.Schedule, args []*expr.Tensor) (*runtime.Function, error) {
	a, err := b.Build(s, args, ctx.Target)
	if err != nil {
		return nil, err
	}
	f, err := a.Load(ctx)
	return f, errors.WithMessagef(err, "build: loading %s", a.Func.Name)
}

var defaultBuilder = sync.OnceValue(func() *Builder { return New(DefaultConfig()) })

// Build builds with a shared builder configured by DefaultConfig.
func Build(s *schedule.Schedule, args []*expr.Tensor, target codegen.Target) (*Artifact, error) {
	return defaultBuilder().Build(s, args, target)
}
