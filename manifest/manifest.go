package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bibin-skaria/osic/internal/types"
)

// EntryKind is the filesystem type of a manifest entry.
type EntryKind string

const (
	EntryDir     EntryKind = "dir"
	EntryFile    EntryKind = "file"
	EntrySymlink EntryKind = "symlink"
)

// Entry describes one path inside a compiled layer. Digest is the sha256 of
// file content; Target is the symlink target. No wall-clock fields: the
// manifest must be byte-identical for identical layer content.
type Entry struct {
	Path   string    `json:"path"`
	Kind   EntryKind `json:"kind"`
	User   string    `json:"user"`
	Group  string    `json:"group"`
	Mode   string    `json:"mode"`
	Size   int64     `json:"size,omitempty"`
	Digest string    `json:"digest,omitempty"`
	Target string    `json:"target,omitempty"`
}

// Manifest is the serialized description of a compiled layer: its identity,
// parent link, installed-package ledger and full filesystem state.
type Manifest struct {
	Layer    string          `json:"layer"`
	Parent   string          `json:"parent,omitempty"`
	Packages map[string]bool `json:"packages,omitempty"`
	Entries  []Entry         `json:"entries"`
}

const FileName = "manifest.json"

// Encode serializes the manifest deterministically: sorted entries, stable
// field order, trailing newline.
func (m *Manifest) Encode() ([]byte, error) {
	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].Path < m.Entries[j].Path
	})
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest for layer %s: %v", m.Layer, err)
	}
	return append(data, '\n'), nil
}

func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %v", err)
	}
	return &m, nil
}

func (m *Manifest) Write(dir string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0644)
}

func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest in %s: %v", dir, err)
	}
	return &m, nil
}

// Entry lookup by path; returns nil if absent.
func (m *Manifest) Lookup(path string) *Entry {
	for i := range m.Entries {
		if m.Entries[i].Path == path {
			return &m.Entries[i]
		}
	}
	return nil
}

// Recorder collects entries and package changes while a plan is applied.
// Appliers in different waves may run concurrently, so it is mutex-guarded.
type Recorder struct {
	mu       sync.Mutex
	entries  map[string]Entry
	packages map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		entries:  make(map[string]Entry),
		packages: make(map[string]bool),
	}
}

// Record stores an entry, overwriting any previous record for the path.
func (r *Recorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Path] = e
}

// RecordIfAbsent stores an entry only when the path has not been recorded
// yet, so implicit parent directories never clobber an explicit one.
func (r *Recorder) RecordIfAbsent(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Path]; !ok {
		r.entries[e.Path] = e
	}
}

func (r *Recorder) Has(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[path]
	return ok
}

// SetPackage records a net package change: true for installed, false for
// removed.
func (r *Recorder) SetPackage(name string, installed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages[name] = installed
}

func (r *Recorder) Package(name string) (installed, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	installed, known = r.packages[name]
	return installed, known
}

// Manifest freezes the recorder into a manifest for the given layer.
func (r *Recorder) Manifest(layer, parent string) *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &Manifest{
		Layer:    layer,
		Parent:   parent,
		Packages: make(map[string]bool, len(r.packages)),
		Entries:  make([]Entry, 0, len(r.entries)),
	}
	for name, installed := range r.packages {
		m.Packages[name] = installed
	}
	for _, e := range r.entries {
		m.Entries = append(m.Entries, e)
	}
	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].Path < m.Entries[j].Path
	})
	return m
}

// Seed preloads the recorder with the entries and packages of a base state
// (parent layer or extracted sendstream).
func (r *Recorder) Seed(m *Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range m.Entries {
		r.entries[e.Path] = e
	}
	for name, installed := range m.Packages {
		r.packages[name] = installed
	}
}

// FromDir rebuilds entries by walking a materialized tree. Used for
// sendstream bases, where only the bytes are authoritative. Owner names are
// not recoverable from a plain walk, so entries carry the default owner.
func FromDir(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." || rel == FileName {
			return nil
		}
		path := "/" + filepath.ToSlash(rel)

		e := Entry{
			Path:  path,
			User:  "root",
			Group: "root",
			Mode:  fmt.Sprintf("%04o", info.Mode().Perm()),
		}
		switch {
		case info.IsDir():
			e.Kind = EntryDir
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			e.Kind = EntrySymlink
			e.Target = target
		case info.Mode().IsRegular():
			digest, size, err := DigestFile(p)
			if err != nil {
				return err
			}
			e.Kind = EntryFile
			e.Size = size
			e.Digest = digest
		default:
			return fmt.Errorf("unsupported file type at %s", path)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// DigestFile returns the sha256 digest and size of a file's content.
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return DigestReader(f)
}

func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	size, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), size, nil
}

// EntryFor builds a manifest entry from an item's stat for the given path.
func EntryFor(path string, kind EntryKind, stat types.StatOptions) Entry {
	return Entry{
		Path:  strings.TrimSuffix(path, "/"),
		Kind:  kind,
		User:  stat.User,
		Group: stat.Group,
		Mode:  stat.Mode,
	}
}
