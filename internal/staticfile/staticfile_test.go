package staticfile

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

func buildZip(t *testing.T, files map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg.qpy")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestReadFromZipSucceeds(t *testing.T) {
	path := buildZip(t, map[string][]byte{"dist/static/x.pdf": []byte("some data")})
	data, err := Read(manifest.Zip{Path: path}, "static/x.pdf", 9)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "some data" {
		t.Fatalf("unexpected contents: %q", data)
	}
}

func TestReadFromZipSizeMismatch(t *testing.T) {
	path := buildZip(t, map[string][]byte{"dist/static/x.pdf": []byte("some data")})
	_, err := Read(manifest.Zip{Path: path}, "static/x.pdf", 3)
	var mismatch *SizeMismatchError
	if err == nil {
		t.Fatal("expected a size mismatch error")
	}
	if !asSizeMismatch(err, &mismatch) {
		t.Fatalf("expected *SizeMismatchError, got %T: %v", err, err)
	}
}

func asSizeMismatch(err error, target **SizeMismatchError) bool {
	if m, ok := err.(*SizeMismatchError); ok {
		*target = m
		return true
	}
	return false
}

func TestReadFromZipNotFound(t *testing.T) {
	path := buildZip(t, map[string][]byte{"dist/static/x.pdf": []byte("some data")})
	_, err := Read(manifest.Zip{Path: path}, "static/missing.pdf", 9)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadFromDirSucceeds(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "dist", "static"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dist", "static", "x.pdf"), []byte("some data"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := Read(manifest.Dir{Path: dir}, "static/x.pdf", 9)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "some data" {
		t.Fatalf("unexpected contents: %q", data)
	}
}
