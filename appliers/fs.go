package appliers

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/bibin-skaria/osic/internal/errors"
	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
)

func init() {
	Register(types.ItemMakeDirectory, &MakeDirectoryApplier{})
	Register(types.ItemExtractTarball, &ExtractTarballApplier{})
	Register(types.ItemCopyFile, &CopyFileApplier{})
}

// MakeDirectoryApplier creates the directory chain of a MakeDirectory item.
// Intermediate directories get default stat; the leaf gets the item's stat.
// An existing directory at any position is idempotent; anything else at the
// target path is a conflict.
type MakeDirectoryApplier struct{}

func (a *MakeDirectoryApplier) Apply(ctx context.Context, item *types.Item, env *Env) error {
	dirs := item.CreatedDirs()
	for i, dir := range dirs {
		leaf := i == len(dirs)-1
		stat := types.DefaultDirStat()
		if leaf {
			stat = item.EffectiveStat()
		}
		mode, err := stat.FileMode()
		if err != nil {
			return errors.NewInvalidStatError(item.ID(), err)
		}

		// Items in the same wave may share an intermediate directory, so a
		// concurrent Mkdir losing the race to an existing directory is fine.
		target := filepath.Join(env.Root, dir)
		if info, err := os.Lstat(target); err == nil {
			if !info.IsDir() {
				return errors.NewPathConflictError(dir, item.ID(),
					fmt.Sprintf("%s exists and is not a directory", dir))
			}
		} else if err := os.Mkdir(target, mode); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create %s: %v", dir, err)
		}
		// Mkdir is subject to the umask; pin the exact mode.
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("failed to chmod %s: %v", dir, err)
		}

		entry := manifest.EntryFor(dir, manifest.EntryDir, stat)
		if leaf {
			env.Recorder.Record(entry)
		} else {
			env.Recorder.RecordIfAbsent(entry)
		}
	}
	return nil
}

// ExtractTarballApplier extracts an archive under the item's destination
// directory. Archive member paths are re-rooted relative to the
// destination; members escaping it are rejected. A pre-existing entry at an
// extraction target conflicts unless it is the same kind with the same
// content.
type ExtractTarballApplier struct{}

func (a *ExtractTarballApplier) Apply(ctx context.Context, item *types.Item, env *Env) error {
	f, err := os.Open(item.Source)
	if err != nil {
		return fmt.Errorf("failed to open tarball %s: %v", item.Source, err)
	}
	defer f.Close()

	reader, err := decompress(item.Source, f)
	if err != nil {
		return fmt.Errorf("failed to read tarball %s: %v", item.Source, err)
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tarball %s: %v", item.Source, err)
		}
		if err := a.extractEntry(tr, header, item, env); err != nil {
			return err
		}
	}
	return nil
}

func (a *ExtractTarballApplier) extractEntry(tr *tar.Reader, header *tar.Header, item *types.Item, env *Env) error {
	name := path.Clean("/" + header.Name)
	if name == "/" {
		return nil
	}
	// Clean has collapsed any ".." runs; a member that still tries to climb
	// out of the destination is hostile.
	if strings.HasPrefix(name, "/..") {
		return errors.NewPathConflictError(header.Name, item.ID(),
			fmt.Sprintf("archive member %s escapes the destination", header.Name))
	}

	dest := path.Join(item.IntoDir, name)
	target := filepath.Join(env.Root, dest)
	stat := statFromHeader(header)

	switch header.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(target); err == nil {
			if !info.IsDir() {
				return errors.NewPathConflictError(dest, item.ID(),
					fmt.Sprintf("%s exists and is not a directory", dest))
			}
		} else if err := os.MkdirAll(target, os.FileMode(header.Mode)&os.ModePerm); err != nil {
			return fmt.Errorf("failed to create %s: %v", dest, err)
		}
		env.Recorder.RecordIfAbsent(manifest.EntryFor(dest, manifest.EntryDir, stat))
		return nil

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %v", dest, err)
		}
		if _, err := os.Lstat(target); err == nil {
			same, err := sameContentAsReader(target, tr, header.Size)
			if err != nil {
				return fmt.Errorf("failed to compare %s: %v", dest, err)
			}
			if !same {
				return errors.NewPathConflictError(dest, item.ID(),
					fmt.Sprintf("%s already exists with different content", dest))
			}
			entry := manifest.EntryFor(dest, manifest.EntryFile, stat)
			entry.Size = header.Size
			entry.Digest, _, err = manifest.DigestFile(target)
			if err != nil {
				return err
			}
			env.Recorder.Record(entry)
			return nil
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", dest, err)
		}
		digest, size, err := copyAndDigest(out, tr)
		out.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %s: %v", dest, err)
		}
		entry := manifest.EntryFor(dest, manifest.EntryFile, stat)
		entry.Size = size
		entry.Digest = digest
		env.Recorder.Record(entry)
		return nil

	case tar.TypeSymlink:
		if info, err := os.Lstat(target); err == nil {
			if info.Mode()&os.ModeSymlink == 0 {
				return errors.NewPathConflictError(dest, item.ID(),
					fmt.Sprintf("%s exists and is not a symlink", dest))
			}
			existing, err := os.Readlink(target)
			if err != nil {
				return fmt.Errorf("failed to read existing symlink %s: %v", dest, err)
			}
			if existing != header.Linkname {
				return errors.NewPathConflictError(dest, item.ID(),
					fmt.Sprintf("%s already exists with a different link target", dest))
			}
		} else if err := os.Symlink(header.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink %s: %v", dest, err)
		}
		entry := manifest.EntryFor(dest, manifest.EntrySymlink, stat)
		entry.Target = header.Linkname
		env.Recorder.Record(entry)
		return nil

	default:
		return fmt.Errorf("tarball %s: unsupported entry type %v at %s", item.Source, header.Typeflag, header.Name)
	}
}

// CopyFileApplier copies a source file to its exact destination path (the
// trailing-slash form was already resolved at declaration time). An
// identical pre-existing file is idempotent; a differing one conflicts.
type CopyFileApplier struct{}

func (a *CopyFileApplier) Apply(ctx context.Context, item *types.Item, env *Env) error {
	stat := item.EffectiveStat()
	mode, err := stat.FileMode()
	if err != nil {
		return errors.NewInvalidStatError(item.ID(), err)
	}

	src, err := os.Open(item.Source)
	if err != nil {
		return fmt.Errorf("failed to open copy source %s: %v", item.Source, err)
	}
	defer src.Close()

	target := filepath.Join(env.Root, item.Dest)
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return errors.NewPathConflictError(item.Dest, item.ID(),
				fmt.Sprintf("%s exists and is a directory", item.Dest))
		}
		srcDigest, _, err := manifest.DigestFile(item.Source)
		if err != nil {
			return err
		}
		dstDigest, size, err := manifest.DigestFile(target)
		if err != nil {
			return err
		}
		if srcDigest != dstDigest {
			return errors.NewPathConflictError(item.Dest, item.ID(),
				fmt.Sprintf("%s already exists with different content", item.Dest))
		}
		entry := manifest.EntryFor(item.Dest, manifest.EntryFile, stat)
		entry.Size = size
		entry.Digest = dstDigest
		env.Recorder.Record(entry)
		return nil
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", item.Dest, err)
	}
	digest, size, err := copyAndDigest(out, src)
	out.Close()
	if err != nil {
		return fmt.Errorf("failed to copy to %s: %v", item.Dest, err)
	}
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %v", item.Dest, err)
	}

	entry := manifest.EntryFor(item.Dest, manifest.EntryFile, stat)
	entry.Size = size
	entry.Digest = digest
	env.Recorder.Record(entry)
	return nil
}

func decompress(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}

func statFromHeader(header *tar.Header) types.StatOptions {
	stat := types.StatOptions{
		User:  header.Uname,
		Group: header.Gname,
		Mode:  fmt.Sprintf("%04o", header.Mode&0o7777),
	}
	if stat.User == "" {
		stat.User = "root"
	}
	if stat.Group == "" {
		stat.Group = "root"
	}
	return stat
}

func copyAndDigest(dst io.Writer, src io.Reader) (string, int64, error) {
	h := sha256.New()
	size, err := io.Copy(dst, io.TeeReader(src, h))
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), size, nil
}

func sameContentAsReader(path string, r io.Reader, size int64) (bool, error) {
	existing, existingSize, err := manifest.DigestFile(path)
	if err != nil {
		return false, err
	}
	incoming, _, err := manifest.DigestReader(r)
	if err != nil {
		return false, err
	}
	return existing == incoming && existingSize == size, nil
}
