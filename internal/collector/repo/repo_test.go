package repo

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/questionpy-go/questionpy-server/internal/cache/filelru"
	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"go.uber.org/zap"
)

type fakeRegistrar struct {
	registered   map[string]manifest.Manifest
	unregistered map[string]int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: map[string]manifest.Manifest{}, unregistered: map[string]int{}}
}

func (f *fakeRegistrar) Register(hash string, m manifest.Manifest, loc manifest.Location, source indexer.Source) (*indexer.Package, error) {
	f.registered[hash] = m
	return nil, nil
}

func (f *fakeRegistrar) Unregister(hash string, source indexer.Source) {
	f.unregistered[hash]++
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, timestamp int64, entries []packagesEntry, archives map[string][]byte) *httptest.Server {
	t.Helper()
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzipBytes(t, raw)

	mux := http.NewServeMux()
	mux.HandleFunc("/META.json", func(w http.ResponseWriter, r *http.Request) {
		m := meta{Timestamp: timestamp, Size: int64(len(gz)), SHA256: sha256Hex(gz)}
		json.NewEncoder(w).Encode(m)
	})
	mux.HandleFunc("/PACKAGES.json.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(gz)
	})
	for hash, data := range archives {
		data := data
		mux.HandleFunc("/packages/"+hash+".qpy", func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		})
	}
	return httptest.NewServer(mux)
}

func TestPollRegistersNewPackages(t *testing.T) {
	archive := []byte("archive-bytes")
	hash := sha256Hex(archive)
	entries := []packagesEntry{{
		Manifest: manifest.Manifest{Namespace: "ns", ShortName: "q1"},
		Hash:     hash,
		Size:     int64(len(archive)),
		SHA256:   hash,
		Versions: []string{"1.0.0"},
	}}
	srv := newTestServer(t, 100, entries, map[string][]byte{hash: archive})
	defer srv.Close()

	cache, err := filelru.New(t.TempDir(), 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := newFakeRegistrar()
	c := New(srv.URL, cache, reg, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, ok := reg.registered[hash]
	if !ok {
		t.Fatalf("expected package %s to be registered", hash)
	}
	if m.Version != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %s", m.Version)
	}
}

func TestPollSkipsUnchangedTimestamp(t *testing.T) {
	archive := []byte("archive-bytes")
	hash := sha256Hex(archive)
	entries := []packagesEntry{{
		Manifest: manifest.Manifest{Namespace: "ns", ShortName: "q1"},
		Hash:     hash,
		Size:     int64(len(archive)),
		SHA256:   hash,
		Versions: []string{"1.0.0"},
	}}
	srv := newTestServer(t, 100, entries, map[string][]byte{hash: archive})
	defer srv.Close()

	cache, err := filelru.New(t.TempDir(), 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := newFakeRegistrar()
	c := New(srv.URL, cache, reg, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(reg.registered) != 1 {
		t.Fatalf("expected a single registration across two polls of an unchanged index, got %d", len(reg.registered))
	}
}

func TestGetPathDownloadsAndVerifiesArchive(t *testing.T) {
	archive := []byte("archive-bytes")
	hash := sha256Hex(archive)
	entries := []packagesEntry{{
		Manifest: manifest.Manifest{Namespace: "ns", ShortName: "q1"},
		Hash:     hash,
		Size:     int64(len(archive)),
		SHA256:   hash,
		Versions: []string{"1.0.0"},
	}}
	srv := newTestServer(t, 100, entries, map[string][]byte{hash: archive})
	defer srv.Close()

	cache, err := filelru.New(t.TempDir(), 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := newFakeRegistrar()
	c := New(srv.URL, cache, reg, zap.NewNop())

	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	path, err := c.GetPath(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a non-empty path")
	}
}

func TestPollUnregistersRemovedPackages(t *testing.T) {
	archive := []byte("archive-bytes")
	hash := sha256Hex(archive)
	entries := []packagesEntry{{
		Manifest: manifest.Manifest{Namespace: "ns", ShortName: "q1"},
		Hash:     hash,
		Size:     int64(len(archive)),
		SHA256:   hash,
		Versions: []string{"1.0.0"},
	}}
	srv := newTestServer(t, 100, entries, map[string][]byte{hash: archive})
	defer srv.Close()

	cache, err := filelru.New(t.TempDir(), 1024, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg := newFakeRegistrar()
	c := New(srv.URL, cache, reg, zap.NewNop())
	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Close()

	srv2 := newTestServer(t, 200, nil, nil)
	defer srv2.Close()
	c.baseURL = srv2.URL

	if err := c.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.unregistered[hash] != 1 {
		t.Fatalf("expected package removed from index once gone from repository, got %v", reg.unregistered)
	}
}
