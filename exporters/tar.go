package exporters

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

type TarExporter struct{}

func init() {
	RegisterExporter("tar", &TarExporter{})
}

func (e *TarExporter) Export(layer *types.Layer, m *manifest.Manifest, opts Options) error {
	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create tar file: %v", err)
	}
	defer out.Close()

	var w io.Writer = out
	switch opts.Compression {
	case "", "none":
	case "gzip":
		gz := gzip.NewWriter(out)
		defer gz.Close()
		w = gz
	case "zstd":
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return err
		}
		defer zw.Close()
		w = zw
	default:
		return fmt.Errorf("unknown compression %s", opts.Compression)
	}

	return WriteLayerTar(w, layer, m)
}

// Timestamps inside exported archives are pinned to the epoch so a layer's
// artifact depends only on its content.
var exportTime = time.Unix(0, 0)

// WriteLayerTar streams the layer's tree as a tar archive driven entirely
// by the manifest: entries in sorted path order, owner and mode from the
// recorded stat, times zeroed. Shared by the tar, sendstream and OCI
// exporters.
func WriteLayerTar(w io.Writer, layer *types.Layer, m *manifest.Manifest) error {
	entries := make([]manifest.Entry, len(m.Entries))
	copy(entries, m.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	tw := tar.NewWriter(w)
	for _, entry := range entries {
		header, err := headerFor(entry)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write header for %s: %v", entry.Path, err)
		}
		if entry.Kind != manifest.EntryFile {
			continue
		}
		f, err := os.Open(filepath.Join(layer.Root, entry.Path))
		if err != nil {
			return fmt.Errorf("failed to open %s: %v", entry.Path, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to archive %s: %v", entry.Path, err)
		}
	}
	return tw.Close()
}

func headerFor(entry manifest.Entry) (*tar.Header, error) {
	mode, err := strconv.ParseUint(entry.Mode, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("entry %s has invalid mode %q", entry.Path, entry.Mode)
	}
	header := &tar.Header{
		Name:    entry.Path[1:],
		Mode:    int64(mode),
		Uname:   entry.User,
		Gname:   entry.Group,
		ModTime: exportTime,
		Format:  tar.FormatPAX,
	}
	switch entry.Kind {
	case manifest.EntryDir:
		header.Typeflag = tar.TypeDir
		header.Name += "/"
	case manifest.EntryFile:
		header.Typeflag = tar.TypeReg
		header.Size = entry.Size
	case manifest.EntrySymlink:
		header.Typeflag = tar.TypeSymlink
		header.Linkname = entry.Target
	default:
		return nil, fmt.Errorf("entry %s has unknown kind %s", entry.Path, entry.Kind)
	}
	return header, nil
}
