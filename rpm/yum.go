package rpm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bibin-skaria/osic/internal/errors"
)

// YumInstaller shells out to yum against a pinned repo snapshot directory.
// Every call is bounded by Timeout; yum's exit output is classified into
// fatal (package not found) versus retryable (adapter unavailable).
type YumInstaller struct {
	Binary  string
	Timeout time.Duration
}

func NewYumInstaller() *YumInstaller {
	return &YumInstaller{
		Binary:  "yum",
		Timeout: 10 * time.Minute,
	}
}

func (y *YumInstaller) Install(ctx context.Context, snapshot, root, pkg string) error {
	args := []string{
		"--installroot", root,
		"--disablerepo", "*",
		"--repofrompath", "snapshot," + snapshot,
		"--enablerepo", "snapshot",
		"--setopt", "tsflags=nodocs",
		"--assumeyes",
		"install", pkg,
	}
	return y.run(ctx, "install "+pkg, pkg, args)
}

func (y *YumInstaller) Remove(ctx context.Context, snapshot, root, pkg string) error {
	args := []string{
		"--installroot", root,
		"--assumeyes",
		"remove", pkg,
	}
	return y.run(ctx, "remove "+pkg, pkg, args)
}

func (y *YumInstaller) run(ctx context.Context, operation, pkg string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, y.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, y.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if isPackageNotFound(out.String()) {
		return errors.NewPackageNotFoundError(pkg, fmt.Errorf("yum: %s", firstLine(out.String())))
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return errors.NewAdapterUnavailableError(operation, fmt.Errorf("%v: %s", err, firstLine(out.String())))
}

func isPackageNotFound(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no package") ||
		strings.Contains(lower, "unable to find a match") ||
		strings.Contains(lower, "nothing provides")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
