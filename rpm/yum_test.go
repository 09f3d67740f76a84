package rpm

import (
	"context"
	"testing"
	"time"

	"github.com/bibin-skaria/osic/internal/errors"
)

func TestIsPackageNotFound(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"Error: Unable to find a match: ghost", true},
		{"No package ghost available.", true},
		{"Error: nothing provides libfoo needed by bar", true},
		{"Cannot download repodata: connection refused", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isPackageNotFound(tt.output); got != tt.want {
			t.Errorf("isPackageNotFound(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("a\nb\nc"); got != "a" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("  single  "); got != "single" {
		t.Errorf("firstLine = %q", got)
	}
}

func TestYumMissingBinaryIsRetryable(t *testing.T) {
	y := &YumInstaller{Binary: "definitely-not-a-yum-binary", Timeout: time.Second}
	err := y.Install(context.Background(), "/snap", t.TempDir(), "vim")
	if !errors.IsCode(err, errors.CodeAdapterUnavailable) {
		t.Fatalf("expected adapter_unavailable for a missing binary, got %v", err)
	}
}

func TestNoneAlwaysUnavailable(t *testing.T) {
	var n None
	if err := n.Install(context.Background(), "", "/", "vim"); !errors.IsCode(err, errors.CodeAdapterUnavailable) {
		t.Errorf("Install = %v", err)
	}
	if err := n.Remove(context.Background(), "", "/", "vim"); !errors.IsCode(err, errors.CodeAdapterUnavailable) {
		t.Errorf("Remove = %v", err)
	}
}
