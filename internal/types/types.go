package types

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
)

type ResourceKind string

const (
	ResourcePath ResourceKind = "path"
	ResourceRPM  ResourceKind = "rpm"
)

// ResourceKey identifies something an Item provides or requires: a
// filesystem path or an installed package name.
type ResourceKey struct {
	Kind ResourceKind `json:"kind"`
	Name string       `json:"name"`
}

func PathKey(p string) ResourceKey {
	return ResourceKey{Kind: ResourcePath, Name: path.Clean(p)}
}

func RPMKey(name string) ResourceKey {
	return ResourceKey{Kind: ResourceRPM, Name: name}
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Name)
}

type ItemKind string

const (
	ItemMakeDirectory         ItemKind = "make_directory"
	ItemExtractTarball        ItemKind = "extract_tarball"
	ItemCopyFile              ItemKind = "copy_file"
	ItemInstallPackage        ItemKind = "install_package"
	ItemRemovePackageIfExists ItemKind = "remove_package_if_exists"
)

// StatOptions carries the owner/group/mode triple for a filesystem entry.
// Mode is an octal string, e.g. "0755".
type StatOptions struct {
	User  string `json:"user" yaml:"user"`
	Group string `json:"group" yaml:"group"`
	Mode  string `json:"mode" yaml:"mode"`
}

func DefaultDirStat() StatOptions {
	return StatOptions{User: "root", Group: "root", Mode: "0755"}
}

func DefaultFileStat() StatOptions {
	return StatOptions{User: "root", Group: "root", Mode: "0644"}
}

func (s StatOptions) Validate() error {
	if s.User == "" {
		return fmt.Errorf("empty user")
	}
	if s.Group == "" {
		return fmt.Errorf("empty group")
	}
	if _, err := s.FileMode(); err != nil {
		return err
	}
	return nil
}

func (s StatOptions) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(s.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("mode %q is not an octal permission value", s.Mode)
	}
	if mode > 0o7777 {
		return 0, fmt.Errorf("mode %q is out of range", s.Mode)
	}
	return os.FileMode(mode), nil
}

func (s StatOptions) Equal(o StatOptions) bool {
	return s.User == o.User && s.Group == o.Group && s.Mode == o.Mode
}

// Item is the smallest atomic operation of a build: create a directory,
// extract a tarball, copy a file, or install/remove a package. Items are
// immutable once constructed by the frontend; the engine only reads them.
//
// Dest and IntoDir are canonical absolute paths. Trailing-slash copy
// destinations are resolved to their final path at the declaration boundary,
// so Dest is always the exact resulting path.
type Item struct {
	Kind    ItemKind     `json:"kind"`
	Feature string       `json:"feature,omitempty"`
	Source  string       `json:"source,omitempty"`
	Dest    string       `json:"dest,omitempty"`
	IntoDir string       `json:"into_dir,omitempty"`
	Package string       `json:"package,omitempty"`
	Stat    *StatOptions `json:"stat,omitempty"`
}

// ID returns a stable human-readable identifier used in error messages
// and plan listings.
func (i *Item) ID() string {
	switch i.Kind {
	case ItemInstallPackage, ItemRemovePackageIfExists:
		return fmt.Sprintf("%s(%s)", i.Kind, i.Package)
	case ItemExtractTarball:
		return fmt.Sprintf("%s(%s -> %s)", i.Kind, i.Source, i.IntoDir)
	case ItemCopyFile:
		return fmt.Sprintf("%s(%s -> %s)", i.Kind, i.Source, i.Dest)
	default:
		return fmt.Sprintf("%s(%s)", i.Kind, i.Dest)
	}
}

// EffectiveStat resolves the Item's stat against the kind-appropriate
// default.
func (i *Item) EffectiveStat() StatOptions {
	if i.Stat != nil {
		return *i.Stat
	}
	if i.Kind == ItemCopyFile {
		return DefaultFileStat()
	}
	return DefaultDirStat()
}

// Provides returns the resource keys this Item creates. MakeDirectory
// provides every directory it creates below IntoDir, not just the leaf,
// so that siblings declared elsewhere can depend on intermediates.
func (i *Item) Provides() []ResourceKey {
	switch i.Kind {
	case ItemMakeDirectory:
		var keys []ResourceKey
		for _, dir := range i.CreatedDirs() {
			keys = append(keys, PathKey(dir))
		}
		return keys
	case ItemCopyFile:
		return []ResourceKey{PathKey(i.Dest)}
	case ItemInstallPackage:
		return []ResourceKey{RPMKey(i.Package)}
	default:
		// Tarball contents are opaque; remove_if_exists provides nothing.
		return nil
	}
}

// Requires returns the resource keys that must exist before this Item
// can be applied. The filesystem root is always provided implicitly.
func (i *Item) Requires() []ResourceKey {
	switch i.Kind {
	case ItemMakeDirectory, ItemExtractTarball:
		if i.IntoDir != "" && i.IntoDir != "/" {
			return []ResourceKey{PathKey(i.IntoDir)}
		}
		return nil
	case ItemCopyFile:
		if parent := path.Dir(i.Dest); parent != "/" && parent != "." {
			return []ResourceKey{PathKey(parent)}
		}
		return nil
	default:
		return nil
	}
}

// CreatedDirs lists, outermost first, every directory a MakeDirectory Item
// creates: all components of Dest strictly below IntoDir.
func (i *Item) CreatedDirs() []string {
	if i.Kind != ItemMakeDirectory {
		return nil
	}
	base := path.Clean(i.IntoDir)
	if base == "" || base == "." {
		base = "/"
	}
	dest := path.Clean(i.Dest)
	var dirs []string
	for p := dest; p != base && p != "/" && p != "."; p = path.Dir(p) {
		dirs = append(dirs, p)
	}
	// Reverse into outermost-first order.
	for l, r := 0, len(dirs)-1; l < r; l, r = l+1, r-1 {
		dirs[l], dirs[r] = dirs[r], dirs[l]
	}
	return dirs
}

// ResolveCopyDest applies the trailing-slash rule for copy destinations:
// "/foo/bar/" means "place the source inside /foo/bar keeping its basename",
// while "/foo/bar" means "the copy is named exactly /foo/bar".
func ResolveCopyDest(source, dest string) string {
	if strings.HasSuffix(dest, "/") {
		return path.Join(dest, path.Base(source))
	}
	return path.Clean(dest)
}

type RPMAction string

const (
	RPMInstall        RPMAction = "install"
	RPMRemoveIfExists RPMAction = "remove_if_exists"
)

// Feature is a named, reusable bundle of Items plus references to other
// Features. Features form a DAG; cycles are rejected by the graph builder.
type Feature struct {
	Name     string       `json:"name"`
	Items    []*Item      `json:"items,omitempty"`
	Features []string     `json:"features,omitempty"`
	Defaults *StatOptions `json:"defaults,omitempty"`
}

// LayerSpec declares a Layer to compile: a Feature plus the base state it
// builds on and the repo snapshot its package operations are pinned to.
// FromSendstream is mutually exclusive with content-producing fields.
type LayerSpec struct {
	Feature
	Parent         string `json:"parent_layer,omitempty"`
	FromSendstream string `json:"from_sendstream,omitempty"`
	RepoSnapshot   string `json:"yum_from_repo_snapshot,omitempty"`
}

// Definitions is the parsed form of one declaration document.
type Definitions struct {
	Features map[string]*Feature
	Layers   map[string]*LayerSpec
}

func (d *Definitions) Layer(name string) (*LayerSpec, error) {
	spec, ok := d.Layers[name]
	if !ok {
		return nil, fmt.Errorf("layer %s is not declared", name)
	}
	return spec, nil
}

// BuildPlan is a validated, deterministically ordered sequence of Items.
// Levels groups item indices into dependency waves: items within one wave
// have no ordering constraint between them and may be applied in parallel.
type BuildPlan struct {
	Items  []*Item `json:"items"`
	Levels [][]int `json:"levels"`
}

// Layer is an immutable compiled filesystem image. Root is its materialized
// tree inside the arena; Entries holds every path present in the image;
// Packages is the installed set including everything inherited from the
// parent chain.
type Layer struct {
	ID       string          `json:"id"`
	Parent   string          `json:"parent,omitempty"`
	Root     string          `json:"-"`
	Entries  map[string]bool `json:"-"`
	Packages map[string]bool `json:"-"`
}

// Provided returns the resource set this layer offers to children: one path
// key per entry plus one rpm key per installed package.
func (l *Layer) Provided() map[ResourceKey]bool {
	provided := make(map[ResourceKey]bool, len(l.Entries)+len(l.Packages))
	for p := range l.Entries {
		provided[PathKey(p)] = true
	}
	for pkg, installed := range l.Packages {
		if installed {
			provided[RPMKey(pkg)] = true
		}
	}
	return provided
}
