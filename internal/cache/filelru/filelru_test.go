package filelru

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func mustCache(t *testing.T, maxSize int64, opts ...Option) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, maxSize, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, dir
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := mustCache(t, 1024)

	path, err := c.Put("a", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want hello", data)
	}

	got, err := c.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != path {
		t.Fatalf("Get path = %q, want %q", got, path)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := mustCache(t, 10)

	if _, err := c.Put("a", []byte("aaaaa")); err != nil { // 5 bytes
		t.Fatal(err)
	}
	if _, err := c.Put("b", []byte("bbbbb")); err != nil { // 5 bytes, total 10
		t.Fatal(err)
	}
	if !c.Contains("a") {
		t.Fatalf("a should still be present")
	}
	// Touching "a" makes "b" the least recently used.
	if _, err := c.Put("c", []byte("ccccc")); err != nil { // forces eviction
		t.Fatal(err)
	}

	if c.Contains("b") {
		t.Fatalf("b should have been evicted, got kept")
	}
	if !c.Contains("a") {
		t.Fatalf("a should have survived (recently touched)")
	}
	if !c.Contains("c") {
		t.Fatalf("c should be present")
	}
}

func TestPutTooLargeRejected(t *testing.T) {
	c, _ := mustCache(t, 4)
	if _, err := c.Put("a", []byte("toolong")); err == nil {
		t.Fatalf("expected ErrTooLarge, got nil")
	}
}

func TestOnRemoveFiresOnceAsync(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 8)

	c, _ := mustCache(t, 10, WithOnRemove(func(key string) {
		mu.Lock()
		seen[key]++
		mu.Unlock()
		done <- struct{}{}
	}))

	if _, err := c.Put("a", []byte("aaaaa")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put("b", []byte("bbbbb")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put("c", []byte("ccccc")); err != nil { // evicts "a"
		t.Fatal(err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 {
		t.Fatalf("expected exactly one removal notification for a, got %d", seen["a"])
	}
}

func TestRestoresFromDiskOnRestart(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(dir, 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c1.Put("a", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	c2, err := New(dir, 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !c2.Contains("a") {
		t.Fatalf("expected restored cache to contain prior entry")
	}
}

func TestCleansUpStaleTmpFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "leftover.tmp"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir, 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Keys()) != 0 {
		t.Fatalf("expected empty cache, got %v", c.Keys())
	}
	if _, err := os.Stat(filepath.Join(dir, "leftover.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected leftover.tmp to be removed")
	}
}

func TestRemoveDeletesFileAndNotifies(t *testing.T) {
	removed := make(chan string, 1)
	c, _ := mustCache(t, 1024, WithOnRemove(func(key string) { removed <- key }))

	path, err := c.Put("a", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be deleted")
	}
	if got := <-removed; got != "a" {
		t.Fatalf("got removed key %q, want a", got)
	}
}
