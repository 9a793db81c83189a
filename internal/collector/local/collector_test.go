package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"go.uber.org/zap"
)

type fakeRegistrar struct {
	registered map[string]int
	unregistered map[string]int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: map[string]int{}, unregistered: map[string]int{}}
}

func (f *fakeRegistrar) RegisterFromLocation(ctx context.Context, hash string, loc manifest.Location, source indexer.Source) (*indexer.Package, error) {
	f.registered[hash]++
	return nil, nil
}

func (f *fakeRegistrar) Unregister(hash string, source indexer.Source) {
	f.unregistered[hash]++
}

func writeFile(t *testing.T, dir, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartIndexesExistingPackages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.qpy", "package-a-bytes")
	writeFile(t, dir, "ignored.txt", "not a package")

	reg := newFakeRegistrar()
	c := New(dir, reg, zap.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(reg.registered) != 1 {
		t.Fatalf("expected exactly one package registered, got %v", reg.registered)
	}
}

func TestUpdateDetectsCreatedAndDeleted(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	c := New(dir, reg, zap.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.registered) != 0 {
		t.Fatalf("expected no packages yet")
	}

	path := writeFile(t, dir, "a.qpy", "package-a-bytes")
	if err := c.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.registered) != 1 {
		t.Fatalf("expected package to be registered after creation, got %v", reg.registered)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.unregistered) != 1 {
		t.Fatalf("expected package to be unregistered after deletion, got %v", reg.unregistered)
	}
}

func TestUpdateDetectsModification(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	c := New(dir, reg, zap.NewNop())

	path := writeFile(t, dir, "a.qpy", "version-1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Ensure the mtime actually advances on filesystems with coarse resolution.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("version-2-longer"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Update(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(reg.registered) < 2 {
		t.Fatalf("expected modified file to trigger a re-registration, got %v", reg.registered)
	}
}

// TestUpdateDetectsMove covers spec.md §4.7's "moved" case: a renamed
// package file must update the path map without ever calling Unregister or
// RegisterFromLocation a second time for the same content.
func TestUpdateDetectsMove(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar()
	c := New(dir, reg, zap.NewNop())

	oldPath := writeFile(t, dir, "a.qpy", "package-a-bytes")
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.registered) != 1 {
		t.Fatalf("expected one registration after start, got %v", reg.registered)
	}

	newPath := filepath.Join(dir, "b.qpy")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}

	if err := c.Update(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(reg.unregistered) != 0 {
		t.Fatalf("a move must not unregister the package, got %v", reg.unregistered)
	}
	for _, n := range reg.registered {
		if n != 1 {
			t.Fatalf("a move must not call RegisterFromLocation again, got %v", reg.registered)
		}
	}

	path, err := c.GetPath(hashFileForTest(t, newPath))
	if err != nil {
		t.Fatal(err)
	}
	if path != newPath {
		t.Fatalf("expected the moved package to resolve to %q, got %q", newPath, path)
	}
}

func hashFileForTest(t *testing.T, path string) string {
	t.Helper()
	hash, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

func TestIDAndIndexable(t *testing.T) {
	c := New("/tmp/pkgs", newFakeRegistrar(), zap.NewNop())
	if c.ID() != "local:/tmp/pkgs" {
		t.Fatalf("unexpected ID: %s", c.ID())
	}
	if !c.Indexable() {
		t.Fatalf("local collector must be indexable")
	}
}
