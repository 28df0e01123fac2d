// Package layout owns the on-disk tree {root}/{albumSlug}/{kind}/{filename}.
package layout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gallery/internal/models"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

type Layout struct {
	root string
}

// New returns a Layout rooted at root, creating the directory if needed.
func New(root string) (*Layout, error) {
	const op = "layout.New"

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	return &Layout{root: abs}, nil
}

func (l *Layout) Root() string {
	return l.root
}

func (l *Layout) AlbumDir(slug string) string {
	return filepath.Join(l.root, slug)
}

// Path is pure: it performs no I/O and no validation.
func (l *Layout) Path(slug string, kind models.DerivativeKind, filename string) string {
	return filepath.Join(l.root, slug, string(kind), filename)
}

func (l *Layout) EnsureDirs(slug string) error {
	const op = "layout.EnsureDirs"

	if !models.ValidSlug(slug) {
		return fmt.Errorf("%s: %w: %q", op, models.ErrInvalidSlug, slug)
	}
	for _, kind := range models.Kinds {
		if err := os.MkdirAll(filepath.Join(l.root, slug, string(kind)), dirPerm); err != nil {
			return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
		}
	}
	return nil
}

// Rename moves the whole album subtree in one os.Rename. The destination must not exist.
func (l *Layout) Rename(oldSlug, newSlug string) error {
	const op = "layout.Rename"

	if oldSlug == newSlug {
		return nil
	}
	if !models.ValidSlug(oldSlug) || !models.ValidSlug(newSlug) {
		return fmt.Errorf("%s: %w: %q -> %q", op, models.ErrInvalidSlug, oldSlug, newSlug)
	}

	src, dst := l.AlbumDir(oldSlug), l.AlbumDir(newSlug)
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s: %w: %s", op, models.ErrRenameConflict, newSlug)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}

	if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		// Nothing was ever uploaded for this album.
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	return nil
}

func (l *Layout) DeleteAlbum(slug string) error {
	const op = "layout.DeleteAlbum"

	if !models.ValidSlug(slug) {
		return fmt.Errorf("%s: %w: %q", op, models.ErrInvalidSlug, slug)
	}
	if err := os.RemoveAll(l.AlbumDir(slug)); err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	return nil
}

// DeletePhoto removes the file from every kind directory. Missing files are fine; other
// failures are collected after every kind has been attempted.
func (l *Layout) DeletePhoto(filename, slug string) error {
	const op = "layout.DeletePhoto"

	var errs []error
	for _, kind := range models.Kinds {
		err := os.Remove(l.Path(slug, kind, filename))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, errors.Join(errs...))
	}
	return nil
}

// WriteFile atomically replaces the file at Path(slug, kind, filename) with data.
func (l *Layout) WriteFile(slug string, kind models.DerivativeKind, filename string, data []byte) error {
	return l.Create(slug, kind, filename, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Create streams fill into a temp file next to the target and renames it into place, so
// readers never observe a partially written derivative.
func (l *Layout) Create(slug string, kind models.DerivativeKind, filename string, fill func(io.Writer) error) error {
	const op = "layout.Create"

	target := l.Path(slug, kind, filename)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+filename+"-*")
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	return nil
}

func (l *Layout) ReadFile(slug string, kind models.DerivativeKind, filename string) ([]byte, error) {
	const op = "layout.ReadFile"

	data, err := os.ReadFile(l.Path(slug, kind, filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	return data, nil
}

// Open returns the stored file for reading. The error wraps fs.ErrNotExist for missing files.
func (l *Layout) Open(slug string, kind models.DerivativeKind, filename string) (*os.File, error) {
	return os.Open(l.Path(slug, kind, filename))
}

func (l *Layout) Stat(slug string, kind models.DerivativeKind, filename string) (fs.FileInfo, error) {
	return os.Stat(l.Path(slug, kind, filename))
}
