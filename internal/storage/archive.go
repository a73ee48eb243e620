package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v4"
	"github.com/opencontainers/go-digest"

	nmterrors "nmtwizard/internal/errors"
)

// PackedModelSuffix is the extension of packed models.
const PackedModelSuffix = ".tar.gz"

var tgz = archiver.CompressedArchive{
	Archival:    archiver.Tar{},
	Compression: archiver.Gz{},
}

// safeJoin joins name to dir and rejects entries escaping dir.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination directory", name)
	}
	return target, nil
}

// TGZ packs the content of dir into a tar.gz written to w and returns the
// digest of the archive.
func TGZ(ctx context.Context, dir string, w io.Writer) (digest.Digest, error) {
	files, err := archiver.FilesFromDisk(
		&archiver.FromDiskOptions{ClearAttributes: true},
		map[string]string{dir + string(os.PathSeparator): ""},
	)
	if err != nil {
		return "", nmterrors.NewStorageReadError(dir, err.Error())
	}
	d := digest.Canonical.Digester()
	if err := tgz.Archive(ctx, io.MultiWriter(w, d.Hash()), files); err != nil {
		return "", nmterrors.NewStorageWriteError(dir, err.Error())
	}
	return d.Digest(), nil
}

// UnTGZ extracts a tar.gz stream into dir.
func UnTGZ(ctx context.Context, dir string, r io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nmterrors.NewStorageWriteError(dir, err.Error())
	}
	err := tgz.Extract(ctx, r, nil, func(ctx context.Context, f archiver.File) error {
		local, err := safeJoin(dir, f.NameInArchive)
		if err != nil {
			return err
		}
		if f.IsDir() {
			return os.MkdirAll(local, 0o755)
		}
		if !f.Mode().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		defer src.Close()

		dst, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o600)
		if err != nil {
			return err
		}
		defer dst.Close()

		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return nmterrors.NewStorageReadError(dir, err.Error())
	}
	return nil
}

// modelRoot returns the directory holding config.json after extraction.
// Archives may contain the model files directly or a single top directory.
func modelRoot(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, ModelConfigFile)); err == nil {
		return dir
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}
