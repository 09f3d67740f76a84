package exporters

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

// fixtureLayer materializes a small layer tree with its manifest, the way
// the compiler would leave it in the arena.
func fixtureLayer(t *testing.T) (*types.Layer, *manifest.Manifest) {
	t.Helper()
	root := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "app.conf"), []byte("k=v\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("app.conf", filepath.Join(root, "etc", "link")); err != nil {
		t.Fatal(err)
	}

	digest, size, err := manifest.DigestFile(filepath.Join(root, "etc", "app.conf"))
	if err != nil {
		t.Fatal(err)
	}
	m := &manifest.Manifest{
		Layer:    "fixture",
		Packages: map[string]bool{"vim": true},
		Entries: []manifest.Entry{
			{Path: "/etc", Kind: manifest.EntryDir, User: "root", Group: "root", Mode: "0755"},
			{Path: "/etc/app.conf", Kind: manifest.EntryFile, User: "root", Group: "root", Mode: "0644", Size: size, Digest: digest},
			{Path: "/etc/link", Kind: manifest.EntrySymlink, User: "root", Group: "root", Mode: "0777", Target: "app.conf"},
		},
	}
	if err := m.Write(root); err != nil {
		t.Fatal(err)
	}

	layer := &types.Layer{ID: "fixture", Root: root, Entries: map[string]bool{
		"/etc": true, "/etc/app.conf": true, "/etc/link": true,
	}}
	return layer, m
}

func TestWriteLayerTarDeterministic(t *testing.T) {
	layer, m := fixtureLayer(t)

	var a, b bytes.Buffer
	if err := WriteLayerTar(&a, layer, m); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteLayerTar(&b, layer, m); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("two exports of the same layer differ")
	}
}

func TestWriteLayerTarContents(t *testing.T) {
	layer, m := fixtureLayer(t)
	var buf bytes.Buffer
	if err := WriteLayerTar(&buf, layer, m); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	tr := tar.NewReader(&buf)
	seen := make(map[string]*tar.Header)
	var bodies = make(map[string]string)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		seen[header.Name] = header
		if header.Typeflag == tar.TypeReg {
			data, _ := io.ReadAll(tr)
			bodies[header.Name] = string(data)
		}
	}

	if h := seen["etc/"]; h == nil || h.Typeflag != tar.TypeDir {
		t.Errorf("directory header wrong: %+v", h)
	}
	if h := seen["etc/app.conf"]; h == nil || h.Uname != "root" || h.Mode != 0o644 {
		t.Errorf("file header wrong: %+v", h)
	}
	if bodies["etc/app.conf"] != "k=v\n" {
		t.Errorf("file body = %q", bodies["etc/app.conf"])
	}
	if h := seen["etc/link"]; h == nil || h.Linkname != "app.conf" {
		t.Errorf("symlink header wrong: %+v", h)
	}
	for name, h := range seen {
		if !h.ModTime.Equal(exportTime) {
			t.Errorf("%s carries a wall-clock timestamp: %v", name, h.ModTime)
		}
	}
}

func TestTarExporterCompression(t *testing.T) {
	layer, m := fixtureLayer(t)
	exporter, err := GetExporter("tar")
	if err != nil {
		t.Fatal(err)
	}

	for _, compression := range []string{"none", "gzip", "zstd"} {
		out := filepath.Join(t.TempDir(), "layer.tar")
		err := exporter.Export(layer, m, Options{OutputPath: out, Compression: compression})
		if err != nil {
			t.Errorf("%s export failed: %v", compression, err)
			continue
		}
		info, err := os.Stat(out)
		if err != nil || info.Size() == 0 {
			t.Errorf("%s produced no artifact: %v", compression, err)
		}
	}

	err = exporter.Export(layer, m, Options{OutputPath: filepath.Join(t.TempDir(), "x"), Compression: "lzma"})
	if err == nil {
		t.Error("unknown compression accepted")
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"tar", "sendstream", "oci"} {
		if _, err := GetExporter(name); err != nil {
			t.Errorf("exporter %s not registered: %v", name, err)
		}
	}
	if _, err := GetExporter("carrier-pigeon"); err == nil {
		t.Error("unknown exporter did not error")
	}
}
