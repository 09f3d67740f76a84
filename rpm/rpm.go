package rpm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bibin-skaria/osic/internal/errors"
)

// Installer is the Package Installer Adapter: an external collaborator the
// compiler delegates install/remove effects to, pinned to a repository
// snapshot. Builds stay reproducible and testable because the adapter is
// always passed in explicitly, never reached through global state.
type Installer interface {
	// Install installs pkg from the given repo snapshot into root.
	// A missing package is a package_not_found error (fatal); transport
	// or tooling failures are adapter_unavailable (retryable).
	Install(ctx context.Context, snapshot, root, pkg string) error

	// Remove removes pkg from root. The caller guarantees the package is
	// installed; remove-if-exists short-circuiting happens in the compiler.
	Remove(ctx context.Context, snapshot, root, pkg string) error
}

// Fake is an in-memory Installer for tests. Missing declares packages
// absent from the snapshot; Unavailable makes the first N calls fail as
// retryable adapter errors.
type Fake struct {
	mu          sync.Mutex
	Missing     map[string]bool
	Unavailable int

	installed map[string]map[string]bool // root -> pkg set
	calls     []string
}

func NewFake() *Fake {
	return &Fake{
		Missing:   make(map[string]bool),
		installed: make(map[string]map[string]bool),
	}
}

func (f *Fake) Install(ctx context.Context, snapshot, root, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "install "+pkg)
	if f.Unavailable > 0 {
		f.Unavailable--
		return errors.NewAdapterUnavailableError("install "+pkg, fmt.Errorf("fake adapter down"))
	}
	if f.Missing[pkg] {
		return errors.NewPackageNotFoundError(pkg, nil)
	}
	if f.installed[root] == nil {
		f.installed[root] = make(map[string]bool)
	}
	f.installed[root][pkg] = true
	return nil
}

func (f *Fake) Remove(ctx context.Context, snapshot, root, pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove "+pkg)
	if f.Unavailable > 0 {
		f.Unavailable--
		return errors.NewAdapterUnavailableError("remove "+pkg, fmt.Errorf("fake adapter down"))
	}
	if f.installed[root] != nil {
		delete(f.installed[root], pkg)
	}
	return nil
}

// Calls returns the adapter invocations in order, for assertions.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// InstalledIn lists packages the fake installed into root, sorted.
func (f *Fake) InstalledIn(root string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pkgs []string
	for pkg := range f.installed[root] {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// None is an Installer that rejects every call. Used when a build declares
// package operations but no adapter was configured.
type None struct{}

func (None) Install(ctx context.Context, snapshot, root, pkg string) error {
	return errors.NewAdapterUnavailableError("install "+pkg, fmt.Errorf("no package installer configured"))
}

func (None) Remove(ctx context.Context, snapshot, root, pkg string) error {
	return errors.NewAdapterUnavailableError("remove "+pkg, fmt.Errorf("no package installer configured"))
}
