package exporters

import (
	"fmt"

	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

// Options selects the output location and format knobs of an export.
// Compression applies to the tar exporter only; Tag to the OCI exporter.
type Options struct {
	OutputPath  string
	Compression string
	Tag         string
}

// Exporter serializes one compiled layer into a portable artifact. The
// manifest, not the wall clock, is the source of every header field, so
// exporting the same layer twice yields byte-identical output.
type Exporter interface {
	Export(layer *types.Layer, m *manifest.Manifest, opts Options) error
}

var exporters = make(map[string]Exporter)

func RegisterExporter(name string, exporter Exporter) {
	exporters[name] = exporter
}

func GetExporter(name string) (Exporter, error) {
	exporter, exists := exporters[name]
	if !exists {
		return nil, fmt.Errorf("exporter %s not found", name)
	}
	return exporter, nil
}

func ListExporters() []string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	return names
}
