package appliers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
	"github.com/bibin-skaria/osic/rpm"
)

// Env is the per-build environment an applier runs against: the scratch
// root being materialized, the manifest recorder, and the package installer
// adapter with its pinned repo snapshot.
type Env struct {
	Root      string
	Recorder  *manifest.Recorder
	Installer rpm.Installer
	Snapshot  string
	Retry     *errors.RetryConfig
	Logger    *logrus.Logger
}

// Applier materializes one Item kind inside the scratch area. An
// application is atomic from the plan's point of view: it either fully
// applies and records its entries, or returns an error and the whole
// scratch area is discarded by the compiler.
type Applier interface {
	Apply(ctx context.Context, item *types.Item, env *Env) error
}

var appliers = make(map[types.ItemKind]Applier)

func Register(kind types.ItemKind, applier Applier) {
	appliers[kind] = applier
}

func Get(kind types.ItemKind) (Applier, error) {
	applier, exists := appliers[kind]
	if !exists {
		return nil, fmt.Errorf("no applier registered for item kind %s", kind)
	}
	return applier, nil
}
