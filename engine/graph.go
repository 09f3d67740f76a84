package engine

import (
	"fmt"
	"strings"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
)

// Graph is the resolved dependency graph over a flat item collection.
// Node order is declaration order; edges always point from a requiring
// item to the item providing the resource.
type Graph struct {
	Nodes []*Node
}

type Node struct {
	Index        int
	Item         *types.Item
	Dependencies []int
	Dependents   []int
}

// GraphBuilder flattens a Feature DAG into items and resolves their
// provides/requires edges against an optional base provided set.
type GraphBuilder struct {
	features map[string]*types.Feature
}

func NewGraphBuilder(features map[string]*types.Feature) *GraphBuilder {
	return &GraphBuilder{features: features}
}

// Flatten collects every item owned by root and its transitively referenced
// features, child features first, each feature visited once (visited-once
// recursion over the reference DAG). Reference cycles among features fail
// with a CycleError naming the cycle. Layers and features live in separate
// namespaces, so the root's own name never participates in cycle detection:
// a layer may share its name with a feature it references.
func (b *GraphBuilder) Flatten(root *types.Feature) ([]*types.Item, error) {
	var items []*types.Item
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(f *types.Feature) error
	visit = func(f *types.Feature) error {
		if onStack[f.Name] {
			return errors.NewCycleError(errors.PhaseDeclaration, append(cycleChain(stack, f.Name), f.Name))
		}
		if visited[f.Name] {
			return nil
		}
		visited[f.Name] = true
		onStack[f.Name] = true
		stack = append(stack, f.Name)

		for _, name := range f.Features {
			child, ok := b.features[name]
			if !ok {
				return fmt.Errorf("feature %s references unknown feature %s", f.Name, name)
			}
			if err := visit(child); err != nil {
				return err
			}
		}
		for _, item := range f.Items {
			items = append(items, withDefaults(item, f.Defaults))
		}

		stack = stack[:len(stack)-1]
		onStack[f.Name] = false
		return nil
	}

	for _, name := range root.Features {
		child, ok := b.features[name]
		if !ok {
			return nil, fmt.Errorf("layer %s references unknown feature %s", root.Name, name)
		}
		if err := visit(child); err != nil {
			return nil, err
		}
	}
	for _, item := range root.Items {
		items = append(items, withDefaults(item, root.Defaults))
	}
	return dedupe(items), nil
}

// withDefaults returns the item with the feature's stat defaults filled in
// when the item carries none. Items are treated as immutable, so a copy is
// made instead of mutating the declaration.
func withDefaults(item *types.Item, defaults *types.StatOptions) *types.Item {
	if item.Stat != nil || defaults == nil {
		return item
	}
	switch item.Kind {
	case types.ItemMakeDirectory, types.ItemCopyFile:
		clone := *item
		stat := *defaults
		clone.Stat = &stat
		return &clone
	default:
		return item
	}
}

// dedupe drops byte-identical re-declarations, keeping first occurrence.
// Two features declaring the very same item is idempotent, not a conflict.
func dedupe(items []*types.Item) []*types.Item {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		sig := itemSignature(item)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, item)
	}
	return out
}

func itemSignature(item *types.Item) string {
	stat := item.EffectiveStat()
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s:%s:%s",
		item.Kind, item.Source, item.Dest, item.IntoDir, item.Package,
		stat.User, stat.Group, stat.Mode)
}

// Resolve validates stat options, indexes provides, detects conflicting
// providers, checks every requirement against the item collection plus the
// base provided set, and emits dependency edges. base is the provided set
// of the parent layer chain (or sendstream base); the filesystem root is
// always considered provided.
func (b *GraphBuilder) Resolve(items []*types.Item, base map[types.ResourceKey]bool) (*Graph, error) {
	graph := &Graph{Nodes: make([]*Node, len(items))}
	for i, item := range items {
		graph.Nodes[i] = &Node{Index: i, Item: item}
	}

	for _, item := range items {
		if item.Stat == nil {
			continue
		}
		if err := item.Stat.Validate(); err != nil {
			return nil, errors.NewInvalidStatError(item.ID(), err)
		}
	}

	// One provider per resource key. A second provider with an identical
	// signature for the key is idempotent and folds into the first; a
	// differing one is a conflict.
	type provider struct {
		index int
		sig   string
	}
	providers := make(map[types.ResourceKey]provider)

	for i, item := range items {
		for _, key := range item.Provides() {
			sig := provideSignature(item, key)
			if prev, ok := providers[key]; ok {
				if prev.sig != sig {
					return nil, errors.NewConflictError(key.String(), items[prev.index].ID(), item.ID())
				}
				continue
			}
			providers[key] = provider{index: i, sig: sig}
		}
	}

	rootKey := types.PathKey("/")
	addEdge := func(from, to int) {
		if from == to {
			return
		}
		graph.Nodes[from].Dependencies = append(graph.Nodes[from].Dependencies, to)
		graph.Nodes[to].Dependents = append(graph.Nodes[to].Dependents, from)
	}

	for i, item := range items {
		for _, key := range item.Requires() {
			if p, ok := providers[key]; ok {
				addEdge(i, p.index)
				continue
			}
			if key == rootKey || base[key] {
				continue
			}
			return nil, errors.NewUnsatisfiedDependencyError(key.String(), item.ID())
		}

		// remove_if_exists never conflicts and never blocks, but when an
		// install of the same package is in scope the removal must run
		// after it.
		if item.Kind == types.ItemRemovePackageIfExists {
			if p, ok := providers[types.RPMKey(item.Package)]; ok {
				addEdge(i, p.index)
			}
		}
	}

	// Archive contents are opaque, so the provider index cannot see two
	// tarballs (or a tarball and a copy) landing on the same path. Writers
	// with intersecting scopes and no ordering between them are serialized
	// in declaration order, so apply-time conflict detection sees a settled
	// tree instead of racing.
	for i := 1; i < len(items); i++ {
		for j := 0; j < i; j++ {
			if opaqueOverlap(items[j], items[i]) && !ordered(graph, i, j) {
				addEdge(i, j)
			}
		}
	}

	return graph, nil
}

// opaqueOverlap reports whether two items can write the same path without
// the provider index knowing: at least one extracts an archive and the
// write scopes intersect.
func opaqueOverlap(a, b *types.Item) bool {
	aTar := a.Kind == types.ItemExtractTarball
	bTar := b.Kind == types.ItemExtractTarball
	switch {
	case aTar && bTar:
		return withinDir(a.IntoDir, b.IntoDir) || withinDir(b.IntoDir, a.IntoDir)
	case aTar && b.Kind == types.ItemCopyFile:
		return withinDir(b.Dest, a.IntoDir)
	case bTar && a.Kind == types.ItemCopyFile:
		return withinDir(a.Dest, b.IntoDir)
	default:
		return false
	}
}

// withinDir reports whether p lies inside dir's subtree.
func withinDir(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// ordered reports whether a direct edge already relates the two nodes.
func ordered(graph *Graph, i, j int) bool {
	for _, dep := range graph.Nodes[i].Dependencies {
		if dep == j {
			return true
		}
	}
	for _, dep := range graph.Nodes[j].Dependencies {
		if dep == i {
			return true
		}
	}
	return false
}

// provideSignature describes what a provider puts at a resource key, for
// idempotence checks. Intermediate directories of a MakeDirectory item
// always carry default stat; only the leaf gets the item's stat.
func provideSignature(item *types.Item, key types.ResourceKey) string {
	switch item.Kind {
	case types.ItemMakeDirectory:
		stat := types.DefaultDirStat()
		if key == types.PathKey(item.Dest) {
			stat = item.EffectiveStat()
		}
		return fmt.Sprintf("dir|%s:%s:%s", stat.User, stat.Group, stat.Mode)
	case types.ItemCopyFile:
		stat := item.EffectiveStat()
		return fmt.Sprintf("file|%s|%s:%s:%s", item.Source, stat.User, stat.Group, stat.Mode)
	case types.ItemInstallPackage:
		return "rpm"
	default:
		return string(item.Kind)
	}
}

func cycleChain(stack []string, repeated string) []string {
	for i, name := range stack {
		if name == repeated {
			return append([]string{}, stack[i:]...)
		}
	}
	return append([]string{}, stack...)
}
