package appliers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
)

func init() {
	Register(types.ItemInstallPackage, &InstallPackageApplier{})
	Register(types.ItemRemovePackageIfExists, &RemovePackageApplier{})
}

// InstallPackageApplier delegates to the installer adapter against the
// pinned repo snapshot. Adapter outages retry with bounded backoff; a
// missing package is fatal to the compile.
type InstallPackageApplier struct{}

func (a *InstallPackageApplier) Apply(ctx context.Context, item *types.Item, env *Env) error {
	err := errors.RetryWithContext(ctx, env.Retry, func() error {
		return env.Installer.Install(ctx, env.Snapshot, env.Root, item.Package)
	})
	if err != nil {
		return err
	}
	env.Recorder.SetPackage(item.Package, true)
	return nil
}

// RemovePackageApplier implements remove_if_exists semantics: existence is
// judged against the installed set of the layer under construction, which
// includes everything inherited from the ancestor chain. Removing a package
// that was never installed is a deliberate no-op, never an error.
type RemovePackageApplier struct{}

func (a *RemovePackageApplier) Apply(ctx context.Context, item *types.Item, env *Env) error {
	installed, known := env.Recorder.Package(item.Package)
	if !known || !installed {
		if env.Logger != nil {
			env.Logger.WithFields(logrus.Fields{
				"package": item.Package,
			}).Debug("remove_if_exists: package not installed, skipping")
		}
		return nil
	}

	err := errors.RetryWithContext(ctx, env.Retry, func() error {
		return env.Installer.Remove(ctx, env.Snapshot, env.Root, item.Package)
	})
	if err != nil {
		return err
	}
	env.Recorder.SetPackage(item.Package, false)
	return nil
}
