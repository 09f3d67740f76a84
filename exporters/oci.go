package exporters

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

// OCIExporter wraps the deterministic layer tar into a single-layer OCI
// image tarball loadable by container runtimes. The creation time is pinned
// to the epoch, so the image digest depends only on layer content.
type OCIExporter struct{}

func init() {
	RegisterExporter("oci", &OCIExporter{})
}

func (e *OCIExporter) Export(layer *types.Layer, m *manifest.Manifest, opts Options) error {
	var buf bytes.Buffer
	if err := WriteLayerTar(&buf, layer, m); err != nil {
		return err
	}

	imageLayer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
	})
	if err != nil {
		return fmt.Errorf("failed to build OCI layer: %v", err)
	}

	img, err := mutate.AppendLayers(empty.Image, imageLayer)
	if err != nil {
		return fmt.Errorf("failed to assemble OCI image: %v", err)
	}
	img, err = mutate.CreatedAt(img, v1.Time{Time: exportTime})
	if err != nil {
		return err
	}

	tag := opts.Tag
	if tag == "" {
		tag = strings.ToLower(layer.ID) + ":latest"
	}
	ref, err := name.NewTag(tag)
	if err != nil {
		return fmt.Errorf("invalid image tag %s: %v", tag, err)
	}
	if err := tarball.WriteToFile(opts.OutputPath, ref, img); err != nil {
		return fmt.Errorf("failed to write OCI tarball: %v", err)
	}
	return nil
}
