package exporters

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

// A sendstream is the self-contained snapshot format layers can be seeded
// from: a magic header followed by a zstd-framed tar of the layer tree,
// manifest included. Because the inner tar is the deterministic layer tar,
// compiling a layer and streaming it on two machines gives identical bytes.
const sendstreamMagic = "OSICSS01"

type SendstreamExporter struct{}

func init() {
	RegisterExporter("sendstream", &SendstreamExporter{})
}

func (e *SendstreamExporter) Export(layer *types.Layer, m *manifest.Manifest, opts Options) error {
	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create sendstream file: %v", err)
	}
	defer out.Close()
	return WriteSendstream(out, layer, m)
}

func WriteSendstream(w io.Writer, layer *types.Layer, m *manifest.Manifest) error {
	if _, err := io.WriteString(w, sendstreamMagic); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := writeSendstreamTar(zw, layer, m); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// writeSendstreamTar prepends the manifest to the deterministic layer tar
// so a receiver can restore ownership and the package ledger without
// re-deriving them from the tree.
func writeSendstreamTar(w io.Writer, layer *types.Layer, m *manifest.Manifest) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	tw := tar.NewWriter(w)
	header := &tar.Header{
		Name:     manifest.FileName,
		Mode:     0644,
		Uname:    "root",
		Gname:    "root",
		Size:     int64(len(data)),
		ModTime:  exportTime,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	// Flush the manifest member, then continue the same stream with the
	// layer tar body. tar archives concatenate cleanly as long as only the
	// final writer emits the trailer.
	if err := tw.Flush(); err != nil {
		return err
	}
	return WriteLayerTar(w, layer, m)
}

// ReadSendstream materializes a sendstream into dir and returns the
// manifest carried in it.
func ReadSendstream(streamPath, dir string) (*manifest.Manifest, error) {
	f, err := os.Open(streamPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sendstream %s: %v", streamPath, err)
	}
	defer f.Close()

	magic := make([]byte, len(sendstreamMagic))
	if _, err := io.ReadFull(f, magic); err != nil || string(magic) != sendstreamMagic {
		return nil, fmt.Errorf("%s is not a sendstream", streamPath)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var m *manifest.Manifest
	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read sendstream %s: %v", streamPath, err)
		}
		if path.Clean(header.Name) == manifest.FileName {
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, err
			}
			m, err = manifest.Decode(buf.Bytes())
			if err != nil {
				return nil, err
			}
			continue
		}
		if err := restoreEntry(tr, header, dir); err != nil {
			return nil, err
		}
	}
	if m == nil {
		return nil, fmt.Errorf("sendstream %s carries no manifest", streamPath)
	}
	return m, nil
}

func restoreEntry(tr *tar.Reader, header *tar.Header, dir string) error {
	name := path.Clean("/" + header.Name)
	if name == "/" {
		return nil
	}
	if strings.HasPrefix(name, "/..") {
		return fmt.Errorf("sendstream member %s escapes the destination", header.Name)
	}
	target := filepath.Join(dir, name)
	mode := os.FileMode(header.Mode) & os.ModePerm

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode); err != nil {
			return err
		}
		return os.Chmod(target, mode)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, target)
	default:
		return fmt.Errorf("sendstream member %s has unsupported type %v", header.Name, header.Typeflag)
	}
}
