package appliers

import (
	"context"
	"reflect"
	"testing"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/rpm"
)

func TestInstallPackageRecordsLedger(t *testing.T) {
	env := testEnv(t)
	item := &types.Item{Kind: types.ItemInstallPackage, Package: "vim"}

	if err := (&InstallPackageApplier{}).Apply(context.Background(), item, env); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	installed, known := env.Recorder.Package("vim")
	if !known || !installed {
		t.Error("install not recorded in the package ledger")
	}
	fake := env.Installer.(*rpm.Fake)
	if got := fake.InstalledIn(env.Root); !reflect.DeepEqual(got, []string{"vim"}) {
		t.Errorf("adapter installed %v", got)
	}
}

func TestInstallPackageRetriesAdapterOutage(t *testing.T) {
	env := testEnv(t)
	fake := env.Installer.(*rpm.Fake)
	fake.Unavailable = 2

	item := &types.Item{Kind: types.ItemInstallPackage, Package: "vim"}
	if err := (&InstallPackageApplier{}).Apply(context.Background(), item, env); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if calls := fake.Calls(); len(calls) != 3 {
		t.Errorf("adapter calls = %d, want 3", len(calls))
	}
}

func TestInstallPackageNotFoundIsFatal(t *testing.T) {
	env := testEnv(t)
	fake := env.Installer.(*rpm.Fake)
	fake.Missing["ghost"] = true

	item := &types.Item{Kind: types.ItemInstallPackage, Package: "ghost"}
	err := (&InstallPackageApplier{}).Apply(context.Background(), item, env)
	if !errors.IsCode(err, errors.CodePackageNotFound) {
		t.Fatalf("expected package_not_found, got %v", err)
	}
	if calls := fake.Calls(); len(calls) != 1 {
		t.Errorf("package_not_found was retried: %d calls", len(calls))
	}
}

func TestRemovePackageSkipsWhenNotInstalled(t *testing.T) {
	env := testEnv(t)
	item := &types.Item{Kind: types.ItemRemovePackageIfExists, Package: "vim"}

	if err := (&RemovePackageApplier{}).Apply(context.Background(), item, env); err != nil {
		t.Fatalf("remove of absent package must be a no-op, got %v", err)
	}
	fake := env.Installer.(*rpm.Fake)
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("adapter was called for an absent package: %v", calls)
	}
}

func TestRemovePackageRemovesInstalled(t *testing.T) {
	env := testEnv(t)
	env.Recorder.SetPackage("vim", true)

	item := &types.Item{Kind: types.ItemRemovePackageIfExists, Package: "vim"}
	if err := (&RemovePackageApplier{}).Apply(context.Background(), item, env); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	installed, known := env.Recorder.Package("vim")
	if !known || installed {
		t.Error("removal not recorded in the package ledger")
	}
}

func TestRemovePackageSkipsExplicitlyRemoved(t *testing.T) {
	// A package removed earlier in the chain is absent; removing it again
	// must not reach the adapter.
	env := testEnv(t)
	env.Recorder.SetPackage("vim", false)

	item := &types.Item{Kind: types.ItemRemovePackageIfExists, Package: "vim"}
	if err := (&RemovePackageApplier{}).Apply(context.Background(), item, env); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	fake := env.Installer.(*rpm.Fake)
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("adapter called: %v", calls)
	}
}
