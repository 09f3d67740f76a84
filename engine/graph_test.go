package engine

import (
	"testing"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
)

func mkdirItem(feature, into, dest string) *types.Item {
	return &types.Item{Kind: types.ItemMakeDirectory, Feature: feature, IntoDir: into, Dest: dest}
}

func TestFlattenChildFeaturesFirst(t *testing.T) {
	child := &types.Feature{Name: "child", Items: []*types.Item{mkdirItem("child", "/", "/base")}}
	root := &types.Feature{
		Name:     "root",
		Features: []string{"child"},
		Items:    []*types.Item{mkdirItem("root", "/base", "/base/app")},
	}
	builder := NewGraphBuilder(map[string]*types.Feature{"child": child})

	items, err := builder.Flatten(root)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Feature != "child" || items[1].Feature != "root" {
		t.Errorf("child items should precede the referencing feature's own items: %s, %s",
			items[0].Feature, items[1].Feature)
	}
}

func TestFlattenVisitsSharedFeatureOnce(t *testing.T) {
	shared := &types.Feature{Name: "shared", Items: []*types.Item{mkdirItem("shared", "/", "/common")}}
	a := &types.Feature{Name: "a", Features: []string{"shared"}}
	b := &types.Feature{Name: "b", Features: []string{"shared"}}
	root := &types.Feature{Name: "root", Features: []string{"a", "b"}}
	builder := NewGraphBuilder(map[string]*types.Feature{"shared": shared, "a": a, "b": b})

	items, err := builder.Flatten(root)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("diamond reference duplicated items: got %d", len(items))
	}
}

func TestFlattenLayerNamedAfterFeature(t *testing.T) {
	// Layers and features are separate namespaces; a layer named after the
	// feature it references is not a cycle.
	feature := &types.Feature{Name: "base", Items: []*types.Item{mkdirItem("base", "/", "/etc")}}
	layer := &types.Feature{Name: "base", Features: []string{"base"}}
	builder := NewGraphBuilder(map[string]*types.Feature{"base": feature})

	items, err := builder.Flatten(layer)
	if err != nil {
		t.Fatalf("layer sharing its feature's name must flatten: %v", err)
	}
	if len(items) != 1 || items[0].Dest != "/etc" {
		t.Errorf("items = %v, want the feature's single item", items)
	}
}

func TestFlattenDetectsCycle(t *testing.T) {
	a := &types.Feature{Name: "a", Features: []string{"b"}}
	b := &types.Feature{Name: "b", Features: []string{"a"}}
	builder := NewGraphBuilder(map[string]*types.Feature{"a": a, "b": b})

	_, err := builder.Flatten(a)
	if !errors.IsCode(err, errors.CodeCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	ce := errors.AsCompileError(err)
	if ce.Phase != errors.PhaseDeclaration {
		t.Errorf("cycle phase = %s, want declaration", ce.Phase)
	}
}

func TestFlattenUnknownFeature(t *testing.T) {
	root := &types.Feature{Name: "root", Features: []string{"ghost"}}
	builder := NewGraphBuilder(nil)
	if _, err := builder.Flatten(root); err == nil {
		t.Fatal("expected error for unknown feature reference")
	}
}

func TestFlattenDedupesIdenticalItems(t *testing.T) {
	a := &types.Feature{Name: "a", Items: []*types.Item{mkdirItem("a", "/", "/etc")}}
	b := &types.Feature{Name: "b", Items: []*types.Item{mkdirItem("b", "/", "/etc")}}
	root := &types.Feature{Name: "root", Features: []string{"a", "b"}}
	builder := NewGraphBuilder(map[string]*types.Feature{"a": a, "b": b})

	items, err := builder.Flatten(root)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("identical re-declaration not deduped: %d items", len(items))
	}
}

func TestFlattenAppliesFeatureDefaults(t *testing.T) {
	defaults := &types.StatOptions{User: "app", Group: "app", Mode: "0750"}
	feature := &types.Feature{
		Name:     "owned",
		Defaults: defaults,
		Items: []*types.Item{
			mkdirItem("owned", "/", "/srv/app"),
			{Kind: types.ItemMakeDirectory, Feature: "owned", IntoDir: "/", Dest: "/srv/other",
				Stat: &types.StatOptions{User: "root", Group: "root", Mode: "0700"}},
		},
	}
	builder := NewGraphBuilder(nil)

	items, err := builder.Flatten(feature)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if items[0].Stat == nil || items[0].Stat.User != "app" {
		t.Errorf("defaults not applied to bare item: %+v", items[0].Stat)
	}
	if items[1].Stat.User != "root" {
		t.Errorf("explicit stat overwritten by defaults: %+v", items[1].Stat)
	}
	// The declaration itself must stay untouched.
	if feature.Items[0].Stat != nil {
		t.Error("flatten mutated the declared item")
	}
}

func TestResolveBuildsEdges(t *testing.T) {
	items := []*types.Item{
		mkdirItem("f", "/", "/opt"),
		{Kind: types.ItemCopyFile, Feature: "f", Source: "/build/a", Dest: "/opt/a"},
	}
	builder := NewGraphBuilder(nil)
	graph, err := builder.Resolve(items, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	copyNode := graph.Nodes[1]
	if len(copyNode.Dependencies) != 1 || copyNode.Dependencies[0] != 0 {
		t.Errorf("copy should depend on the directory provider: %v", copyNode.Dependencies)
	}
}

func TestResolveConflictOnDifferingStat(t *testing.T) {
	a := mkdirItem("a", "/", "/etc")
	b := mkdirItem("b", "/", "/etc")
	b.Stat = &types.StatOptions{User: "app", Group: "app", Mode: "0700"}

	builder := NewGraphBuilder(nil)
	_, err := builder.Resolve([]*types.Item{a, b}, nil)
	if !errors.IsCode(err, errors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestResolveSharedIntermediateIsNotAConflict(t *testing.T) {
	// Both provide /a/b as an intermediate with default stat; that folds.
	a := mkdirItem("a", "/", "/a/b/c")
	b := mkdirItem("b", "/", "/a/b/d")
	builder := NewGraphBuilder(nil)
	if _, err := builder.Resolve([]*types.Item{a, b}, nil); err != nil {
		t.Fatalf("shared intermediate reported as conflict: %v", err)
	}
}

func TestResolveSerializesOpaqueWriters(t *testing.T) {
	// Two archives into the same directory, and a copy under it, can land
	// on the same path without the provider index seeing it; they get
	// declaration-order edges instead of sharing a wave.
	items := []*types.Item{
		mkdirItem("f", "/", "/opt"),
		{Kind: types.ItemExtractTarball, Feature: "f", Source: "/build/a.tar.gz", IntoDir: "/opt"},
		{Kind: types.ItemExtractTarball, Feature: "f", Source: "/build/b.tar.gz", IntoDir: "/opt"},
		{Kind: types.ItemCopyFile, Feature: "f", Source: "/build/x", Dest: "/opt/x"},
	}
	builder := NewGraphBuilder(nil)
	graph, err := builder.Resolve(items, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	depends := func(i, j int) bool {
		for _, dep := range graph.Nodes[i].Dependencies {
			if dep == j {
				return true
			}
		}
		return false
	}
	if !depends(2, 1) {
		t.Error("second archive should be ordered after the first")
	}
	if !depends(3, 1) || !depends(3, 2) {
		t.Error("copy under the archive scope should be ordered after both archives")
	}
}

func TestResolveDisjointArchiveScopesStayParallel(t *testing.T) {
	items := []*types.Item{
		mkdirItem("f", "/", "/a"),
		mkdirItem("f", "/", "/b"),
		{Kind: types.ItemExtractTarball, Feature: "f", Source: "/build/a.tar.gz", IntoDir: "/a"},
		{Kind: types.ItemExtractTarball, Feature: "f", Source: "/build/b.tar.gz", IntoDir: "/b"},
	}
	builder := NewGraphBuilder(nil)
	graph, err := builder.Resolve(items, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for _, dep := range graph.Nodes[3].Dependencies {
		if dep == 2 {
			t.Error("archives with disjoint scopes must not be ordered against each other")
		}
	}
}

func TestResolveUnsatisfiedDependency(t *testing.T) {
	item := &types.Item{Kind: types.ItemCopyFile, Feature: "f", Source: "/build/a", Dest: "/missing/a"}
	builder := NewGraphBuilder(nil)
	_, err := builder.Resolve([]*types.Item{item}, nil)
	if !errors.IsCode(err, errors.CodeUnsatisfiedDependency) {
		t.Fatalf("expected unsatisfied_dependency, got %v", err)
	}
}

func TestResolveSatisfiedByBase(t *testing.T) {
	item := &types.Item{Kind: types.ItemCopyFile, Feature: "f", Source: "/build/a", Dest: "/inherited/a"}
	base := map[types.ResourceKey]bool{types.PathKey("/inherited"): true}
	builder := NewGraphBuilder(nil)
	graph, err := builder.Resolve([]*types.Item{item}, base)
	if err != nil {
		t.Fatalf("base-provided requirement rejected: %v", err)
	}
	if len(graph.Nodes[0].Dependencies) != 0 {
		t.Error("base-satisfied requirement should add no edge")
	}
}

func TestResolveInvalidStat(t *testing.T) {
	item := mkdirItem("f", "/", "/etc")
	item.Stat = &types.StatOptions{User: "root", Group: "root", Mode: "bogus"}
	builder := NewGraphBuilder(nil)
	_, err := builder.Resolve([]*types.Item{item}, nil)
	if !errors.IsCode(err, errors.CodeInvalidStat) {
		t.Fatalf("expected invalid_stat, got %v", err)
	}
}

func TestResolveRemoveOrderedAfterInstall(t *testing.T) {
	install := &types.Item{Kind: types.ItemInstallPackage, Feature: "f", Package: "vim"}
	remove := &types.Item{Kind: types.ItemRemovePackageIfExists, Feature: "f", Package: "vim"}
	builder := NewGraphBuilder(nil)
	graph, err := builder.Resolve([]*types.Item{remove, install}, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	removeNode := graph.Nodes[0]
	if len(removeNode.Dependencies) != 1 || removeNode.Dependencies[0] != 1 {
		t.Errorf("remove_if_exists should run after the install of the same package: %v", removeNode.Dependencies)
	}
}

func TestResolveRemoveWithoutInstallIsFree(t *testing.T) {
	remove := &types.Item{Kind: types.ItemRemovePackageIfExists, Feature: "f", Package: "ghost"}
	builder := NewGraphBuilder(nil)
	graph, err := builder.Resolve([]*types.Item{remove}, nil)
	if err != nil {
		t.Fatalf("remove_if_exists with no provider must not fail: %v", err)
	}
	if len(graph.Nodes[0].Dependencies) != 0 {
		t.Error("unexpected dependency on absent install")
	}
}
