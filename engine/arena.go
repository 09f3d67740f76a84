package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

// Arena is the persistent store of compiled layers: one directory per
// layer holding its materialized tree plus its manifest, indexed by layer
// identifier with a parent link. Layers are immutable once promoted;
// extending one means compiling a new layer that references it, never
// editing in place. Parent trees are only ever read, so many child builds
// may share one parent concurrently.
type Arena struct {
	root   string
	mu     sync.RWMutex
	layers map[string]*types.Layer
}

// OpenArena opens (or creates) an arena directory and loads the manifests
// of every layer already compiled into it.
func OpenArena(root string) (*Arena, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create arena directory: %v", err)
	}
	a := &Arena{
		root:   root,
		layers: make(map[string]*types.Layer),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || isScratchName(entry.Name()) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		m, err := manifest.Load(dir)
		if err != nil {
			return nil, fmt.Errorf("arena entry %s has no readable manifest: %v", entry.Name(), err)
		}
		a.layers[m.Layer] = layerFromManifest(dir, m)
	}
	return a, nil
}

func (a *Arena) Get(id string) (*types.Layer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	layer, ok := a.layers[id]
	if !ok {
		return nil, fmt.Errorf("layer %s is not compiled in this arena", id)
	}
	return layer, nil
}

func (a *Arena) Has(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.layers[id]
	return ok
}

func (a *Arena) List() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.layers))
	for id := range a.layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scratch allocates the exclusive scratch directory for one layer build.
// Nothing under it is visible as a layer until Promote.
func (a *Arena) Scratch(id string) (string, error) {
	if a.Has(id) {
		return "", fmt.Errorf("layer %s is already compiled; layers are immutable", id)
	}
	scratch, err := os.MkdirTemp(a.root, scratchPrefix)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch area: %v", err)
	}
	return scratch, nil
}

// Promote atomically turns a finished scratch tree into the compiled
// layer: the manifest is written into it and the directory is renamed into
// place. A failed build never reaches Promote, so no partial layer is ever
// observable.
func (a *Arena) Promote(scratch string, m *manifest.Manifest) (*types.Layer, error) {
	if err := m.Write(scratch); err != nil {
		return nil, err
	}
	dir := filepath.Join(a.root, m.Layer)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.layers[m.Layer]; exists {
		return nil, fmt.Errorf("layer %s is already compiled; layers are immutable", m.Layer)
	}
	if err := os.Rename(scratch, dir); err != nil {
		return nil, fmt.Errorf("failed to promote layer %s: %v", m.Layer, err)
	}
	layer := layerFromManifest(dir, m)
	a.layers[m.Layer] = layer
	return layer, nil
}

// Discard removes a scratch area after a failed build.
func (a *Arena) Discard(scratch string) {
	if scratch != "" {
		os.RemoveAll(scratch)
	}
}

const scratchPrefix = ".scratch-"

func isScratchName(name string) bool {
	return len(name) >= len(scratchPrefix) && name[:len(scratchPrefix)] == scratchPrefix
}

func layerFromManifest(dir string, m *manifest.Manifest) *types.Layer {
	layer := &types.Layer{
		ID:       m.Layer,
		Parent:   m.Parent,
		Root:     dir,
		Entries:  make(map[string]bool, len(m.Entries)),
		Packages: make(map[string]bool, len(m.Packages)),
	}
	for _, e := range m.Entries {
		layer.Entries[e.Path] = true
	}
	for pkg, installed := range m.Packages {
		layer.Packages[pkg] = installed
	}
	return layer
}

// CopyTree materializes src on top of dst, preserving modes and symlinks.
// Used to lay a parent layer's image down as the base of a child build.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." || rel == manifest.FileName {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
			return os.Chmod(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return fmt.Errorf("unsupported file type at %s", p)
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
