package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gallery/internal/models"
)

var importExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// ImportFile is an image found in the import folder. Path is relative to the folder root.
type ImportFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Tag  string `json:"tag,omitempty"`
}

func importable(name string) bool {
	return slices.Contains(importExtensions, strings.ToLower(filepath.Ext(name)))
}

// ScanImportFolder lists images directly under root (untagged) and one level below it,
// where the subfolder name becomes the tag. Unreadable entries are skipped. A missing root
// yields an empty list.
func ScanImportFolder(root string) ([]ImportFile, error) {
	const op = "ingest.ScanImportFolder"

	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []ImportFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}

	files := []ImportFile{}
	for _, entry := range entries {
		switch {
		case entry.Type().IsRegular():
			if f, ok := statImport(root, entry.Name(), ""); ok {
				files = append(files, f)
			}
		case entry.IsDir():
			sub, err := os.ReadDir(filepath.Join(root, entry.Name()))
			if err != nil {
				continue
			}
			for _, se := range sub {
				if !se.Type().IsRegular() {
					continue
				}
				if f, ok := statImport(root, filepath.Join(entry.Name(), se.Name()), entry.Name()); ok {
					files = append(files, f)
				}
			}
		}
	}

	slices.SortStableFunc(files, func(a, b ImportFile) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return files, nil
}

func statImport(root, rel, tag string) (ImportFile, bool) {
	if !importable(rel) {
		return ImportFile{}, false
	}
	info, err := os.Stat(filepath.Join(root, rel))
	if err != nil {
		return ImportFile{}, false
	}
	return ImportFile{
		Name: filepath.Base(rel),
		Path: filepath.ToSlash(rel),
		Size: info.Size(),
		Tag:  tag,
	}, true
}

// ResolveImportPath maps rel to an absolute path and rejects anything that ends up outside
// root, both lexically and after symlinks are followed.
func ResolveImportPath(root, rel string) (string, error) {
	const op = "ingest.ResolveImportPath"

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	p := filepath.FromSlash(rel)
	if !filepath.IsAbs(p) {
		p = filepath.Join(rootAbs, p)
	}
	p = filepath.Clean(p)
	if !within(rootAbs, p) {
		return "", fmt.Errorf("%s: %w: %s", op, models.ErrPathTraversal, rel)
	}

	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	target, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, models.ErrStorageIO, err)
	}
	if !within(rootReal, target) {
		return "", fmt.Errorf("%s: %w: %s", op, models.ErrPathTraversal, rel)
	}
	return target, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// tagFromPath returns the first-level subfolder of rel, if any.
func tagFromPath(rel string) string {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel))), "/")
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

// ImportFiles ingests files from the import folder into album. An empty paths slice imports
// everything ScanImportFolder finds. With remove set, each successfully registered source
// file is deleted afterwards.
func (s *Service) ImportFiles(ctx context.Context, album models.Album, paths []string, remove bool) (Result, error) {
	const op = "ingest.ImportFiles"

	if len(paths) == 0 {
		found, err := ScanImportFolder(s.cfg.ImportDir)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
		for _, f := range found {
			paths = append(paths, f.Path)
		}
	}

	uploads := make([]Upload, len(paths))
	resolved := make([]string, len(paths))
	for i, rel := range paths {
		uploads[i] = Upload{Name: filepath.Base(filepath.FromSlash(rel))}

		abs, err := ResolveImportPath(s.cfg.ImportDir, rel)
		if err == nil && !importable(abs) {
			err = fmt.Errorf("%w: unsupported extension %q", models.ErrDecode, filepath.Ext(abs))
		}
		if err != nil {
			uploads[i].rejected = err
			continue
		}
		resolved[i] = abs
		uploads[i].Open = func() (io.ReadCloser, error) { return os.Open(abs) }
		if tag := tagFromPath(rel); tag != "" {
			uploads[i].Tags = []string{tag}
		}
	}

	outcomes := s.run(ctx, album, uploads)
	if remove {
		for i, o := range outcomes {
			if o.err != nil {
				continue
			}
			if err := os.Remove(resolved[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn().Err(err).Str("path", paths[i]).Msg("imported file not removed")
			}
		}
	}
	return summarize(uploads, outcomes), nil
}
