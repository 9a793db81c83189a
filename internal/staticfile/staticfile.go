// Package staticfile implements spec.md §4.3's server-side static-file
// retrieval: reading a file out of a package archive or directory directly,
// without involving a worker, and cross-checking its size against the
// manifest's declared static_files entry.
package staticfile

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

// ErrNotFound is returned when relPath is absent from the archive/dir.
var ErrNotFound = errors.New("staticfile: not found")

// SizeMismatchError mirrors worker.StaticFileSizeMismatchError: the
// manifest's declared size for relPath disagrees with what's actually on
// disk (spec.md §4.3, §8 scenario 2).
type SizeMismatchError struct {
	Path         string
	ManifestSize int64
	ActualSize   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("staticfile: %q size mismatch: manifest=%d actual=%d", e.Path, e.ManifestSize, e.ActualSize)
}

// Read returns the bytes of dist/relPath inside loc, verifying its size
// against declaredSize (the manifest's static_files[relPath].Size).
func Read(loc manifest.Location, relPath string, declaredSize int64) ([]byte, error) {
	full := path.Join("dist", relPath)

	switch l := loc.(type) {
	case manifest.Zip:
		return readFromZip(l.Path, full, relPath, declaredSize)
	case manifest.Dir:
		return readFromDir(l.Path, full, relPath, declaredSize)
	case manifest.Function:
		return nil, fmt.Errorf("staticfile: function-located packages have no static files")
	default:
		return nil, fmt.Errorf("staticfile: unsupported location %T", loc)
	}
}

func readFromZip(archivePath, full, relPath string, declaredSize int64) ([]byte, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("staticfile: open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != full {
			continue
		}
		actual := int64(f.UncompressedSize64)
		if actual != declaredSize {
			return nil, &SizeMismatchError{Path: relPath, ManifestSize: declaredSize, ActualSize: actual}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("staticfile: open %q: %w", full, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, ErrNotFound
}

func readFromDir(dirPath, full, relPath string, declaredSize int64) ([]byte, error) {
	abs := filepath.Join(dirPath, filepath.FromSlash(full))
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("staticfile: stat %q: %w", abs, err)
	}
	if info.Size() != declaredSize {
		return nil, &SizeMismatchError{Path: relPath, ManifestSize: declaredSize, ActualSize: info.Size()}
	}
	return os.ReadFile(abs)
}
