package frontends

import (
	"testing"

	"github.com/bibin-skaria/osic/internal/types"
)

type stubFrontend struct{}

func (stubFrontend) Parse(data []byte) (*types.Definitions, error) {
	return &types.Definitions{}, nil
}

func TestRegistry(t *testing.T) {
	RegisterFrontend("stub", stubFrontend{})

	f, err := GetFrontend("stub")
	if err != nil {
		t.Fatalf("GetFrontend failed: %v", err)
	}
	if _, err := f.Parse(nil); err != nil {
		t.Errorf("Parse failed: %v", err)
	}

	if _, err := GetFrontend("missing"); err == nil {
		t.Error("unknown frontend did not error")
	}

	found := false
	for _, name := range ListFrontends() {
		if name == "stub" {
			found = true
		}
	}
	if !found {
		t.Error("registered frontend not listed")
	}
}
