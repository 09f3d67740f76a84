package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/osic/appliers"
	"github.com/bibin-skaria/osic/exporters"
	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
	"github.com/bibin-skaria/osic/rpm"
)

const DefaultMaxParallel = 4

// Compiler turns a LayerSpec into a compiled Layer in the arena: base
// state is materialized into an exclusive scratch directory, the plan's
// waves are applied against it, and on success the scratch tree plus its
// manifest are promoted. The first failure discards the scratch area, so
// the arena only ever holds complete layers.
type Compiler struct {
	Arena       *Arena
	Installer   rpm.Installer
	Retry       *errors.RetryConfig
	MaxParallel int
	Logger      *logrus.Logger
}

func NewCompiler(arena *Arena, installer rpm.Installer) *Compiler {
	return &Compiler{
		Arena:       arena,
		Installer:   installer,
		Retry:       errors.DefaultRetryConfig(),
		MaxParallel: DefaultMaxParallel,
		Logger:      logrus.StandardLogger(),
	}
}

// Plan resolves and orders a layer's item graph without touching the
// filesystem. The same declarations always produce the same plan.
func (c *Compiler) Plan(spec *types.LayerSpec, features map[string]*types.Feature) (*types.BuildPlan, error) {
	base, err := c.baseProvided(spec)
	if err != nil {
		return nil, err
	}
	builder := NewGraphBuilder(features)
	items, err := builder.Flatten(&spec.Feature)
	if err != nil {
		return nil, err
	}
	graph, err := builder.Resolve(items, base)
	if err != nil {
		return nil, err
	}
	return NewPlanner().Plan(graph)
}

// Compile builds the layer and promotes it into the arena.
func (c *Compiler) Compile(ctx context.Context, spec *types.LayerSpec, features map[string]*types.Feature) (*types.Layer, error) {
	scratch, err := c.Arena.Scratch(spec.Name)
	if err != nil {
		return nil, err
	}

	recorder := manifest.NewRecorder()
	base, err := c.materializeBase(spec, scratch, recorder)
	if err != nil {
		c.Arena.Discard(scratch)
		return nil, err
	}

	builder := NewGraphBuilder(features)
	items, err := builder.Flatten(&spec.Feature)
	if err != nil {
		c.Arena.Discard(scratch)
		return nil, err
	}
	graph, err := builder.Resolve(items, base)
	if err != nil {
		c.Arena.Discard(scratch)
		return nil, err
	}
	plan, err := NewPlanner().Plan(graph)
	if err != nil {
		c.Arena.Discard(scratch)
		return nil, err
	}

	c.Logger.WithFields(logrus.Fields{
		"layer": spec.Name,
		"items": len(plan.Items),
		"waves": len(plan.Levels),
	}).Info("compiling layer")

	env := &appliers.Env{
		Root:      scratch,
		Recorder:  recorder,
		Installer: c.Installer,
		Snapshot:  spec.RepoSnapshot,
		Retry:     c.Retry,
		Logger:    c.Logger,
	}
	for wave, indices := range plan.Levels {
		if err := c.applyWave(ctx, plan, wave, indices, env); err != nil {
			c.Arena.Discard(scratch)
			return nil, err
		}
	}

	layer, err := c.Arena.Promote(scratch, recorder.Manifest(spec.Name, spec.Parent))
	if err != nil {
		c.Arena.Discard(scratch)
		return nil, err
	}
	c.Logger.WithFields(logrus.Fields{
		"layer":   layer.ID,
		"entries": len(layer.Entries),
	}).Info("layer compiled")
	return layer, nil
}

// applyWave runs one dependency wave. Items inside a wave have no ordering
// constraint between them, so they run concurrently under a bounded
// semaphore; the first error wins and fails the whole compile.
func (c *Compiler) applyWave(ctx context.Context, plan *types.BuildPlan, wave int, indices []int, env *appliers.Env) error {
	maxParallel := c.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	semaphore := make(chan struct{}, maxParallel)
	errs := make(chan error, len(indices))

	var wg sync.WaitGroup
	for _, idx := range indices {
		wg.Add(1)
		go func(item *types.Item) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			errs <- c.applyItem(ctx, item, env)
		}(plan.Items[idx])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	c.Logger.WithFields(logrus.Fields{
		"wave":  wave,
		"items": len(indices),
	}).Debug("wave applied")
	return nil
}

func (c *Compiler) applyItem(ctx context.Context, item *types.Item, env *appliers.Env) error {
	applier, err := appliers.Get(item.Kind)
	if err != nil {
		return err
	}
	c.Logger.WithFields(logrus.Fields{
		"item":    item.ID(),
		"feature": item.Feature,
	}).Debug("applying item")
	if err := applier.Apply(ctx, item, env); err != nil {
		return fmt.Errorf("item %s failed: %w", item.ID(), err)
	}
	return nil
}

// materializeBase lays down the layer's starting state in the scratch area
// and seeds the recorder with it: a copy of the parent layer's tree, the
// contents of a sendstream, or nothing for a from-scratch layer. The
// returned set is what the base provides to dependency resolution.
func (c *Compiler) materializeBase(spec *types.LayerSpec, scratch string, recorder *manifest.Recorder) (map[types.ResourceKey]bool, error) {
	switch {
	case spec.Parent != "":
		parent, err := c.Arena.Get(spec.Parent)
		if err != nil {
			return nil, err
		}
		if err := CopyTree(parent.Root, scratch); err != nil {
			return nil, fmt.Errorf("failed to materialize parent layer %s: %v", spec.Parent, err)
		}
		pm, err := manifest.Load(parent.Root)
		if err != nil {
			return nil, err
		}
		recorder.Seed(pm)
		return parent.Provided(), nil

	case spec.FromSendstream != "":
		m, err := exporters.ReadSendstream(spec.FromSendstream, scratch)
		if err != nil {
			return nil, err
		}
		recorder.Seed(m)
		return providedByManifest(m), nil

	default:
		return nil, nil
	}
}

// baseProvided computes the base set for planning only, without
// materializing anything. A sendstream base is inspected in a throwaway
// directory; a missing parent is a planning error.
func (c *Compiler) baseProvided(spec *types.LayerSpec) (map[types.ResourceKey]bool, error) {
	switch {
	case spec.Parent != "":
		parent, err := c.Arena.Get(spec.Parent)
		if err != nil {
			return nil, err
		}
		return parent.Provided(), nil
	case spec.FromSendstream != "":
		// Planning must not claim the layer's scratch slot, so the stream is
		// inspected in a throwaway directory.
		tmp, err := os.MkdirTemp("", "osic-plan-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		m, err := exporters.ReadSendstream(spec.FromSendstream, tmp)
		if err != nil {
			return nil, err
		}
		return providedByManifest(m), nil
	default:
		return nil, nil
	}
}

func providedByManifest(m *manifest.Manifest) map[types.ResourceKey]bool {
	provided := make(map[types.ResourceKey]bool, len(m.Entries)+len(m.Packages))
	for _, e := range m.Entries {
		provided[types.PathKey(e.Path)] = true
	}
	for pkg, installed := range m.Packages {
		if installed {
			provided[types.RPMKey(pkg)] = true
		}
	}
	return provided
}
