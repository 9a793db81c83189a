package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/questionpy-go/questionpy-server/internal/cache/filelru"
	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/collector/lms"
	"github.com/questionpy-go/questionpy-server/internal/config"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/testutil"
	"github.com/questionpy-go/questionpy-server/internal/worker/pool"
	"go.uber.org/zap"
)

// newTestServer builds a Server whose worker pool is never exercised: every
// test below either resolves to a response before a worker would be
// acquired, or inspects a route that never touches the pool.
func newTestServer(t *testing.T, allowLMSUploads bool) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.General.AllowLMSPackages = allowLMSUploads

	m := testutil.NewManifest()
	ix := indexer.New(&stubResolver{manifest: m}, nil)
	cache, err := filelru.New(t.TempDir(), 1024*1024, nil, filelru.WithExtension("qpy"))
	if err != nil {
		t.Fatal(err)
	}
	lmsCollector := lms.New(cache, ix, nil)

	s := &Server{
		cfg:          &cfg,
		log:          zap.NewNop(),
		pool:         pool.New(1, 1024*1024, nil, zap.NewNop()),
		indexer:      ix,
		packageCache: cache,
		lms:          lmsCollector,
		resolver:     &packageResolver{indexer: ix, lms: lmsCollector, allowLMSUploads: allowLMSUploads},
	}
	s.routes()
	return s
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got serverStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Version != version {
		t.Fatalf("unexpected version: %q", got.Version)
	}
	if !got.AllowLMSPackages {
		t.Fatal("expected allow_lms_packages to be true")
	}
}

func TestHandleListPackagesEmpty(t *testing.T) {
	s := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/packages", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []packageVersionsInfo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no packages, got %+v", got)
	}
}

// TestHandleListPackagesSortsVersionsDescending covers spec.md §8 scenario
// 6: two packages sharing (ns, short_name) with versions 1.0.0 and 0.0.1 and
// a third with a different identifier yield two PackageVersionsInfos, each
// with versions sorted descending and a manifest matching the highest
// version.
func TestHandleListPackagesSortsVersionsDescending(t *testing.T) {
	s := newTestServer(t, true)
	ix := s.indexer

	low := manifest.Manifest{Namespace: "ns", ShortName: "a", Version: "0.0.1"}
	high := manifest.Manifest{Namespace: "ns", ShortName: "a", Version: "1.0.0"}
	other := manifest.Manifest{Namespace: "ns", ShortName: "b", Version: "2.0.0"}

	mustRegister(t, ix, "hash-low", low, fakeIndexableSource{})
	mustRegister(t, ix, "hash-high", high, fakeIndexableSource{})
	mustRegister(t, ix, "hash-other", other, fakeIndexableSource{})

	r := httptest.NewRequest(http.MethodGet, "/packages", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []packageVersionsInfo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 identifiers, got %d: %+v", len(got), got)
	}

	byShortName := make(map[string]packageVersionsInfo, len(got))
	for _, pvi := range got {
		byShortName[pvi.Manifest.ShortName] = pvi
	}

	a, ok := byShortName["a"]
	if !ok {
		t.Fatalf("missing identifier 'a' in %+v", got)
	}
	if a.Manifest.Version != "1.0.0" {
		t.Fatalf("expected highest version's manifest, got %q", a.Manifest.Version)
	}
	if len(a.Versions) != 2 || a.Versions[0] != "1.0.0" || a.Versions[1] != "0.0.1" {
		t.Fatalf("expected versions sorted descending, got %v", a.Versions)
	}

	b, ok := byShortName["b"]
	if !ok {
		t.Fatalf("missing identifier 'b' in %+v", got)
	}
	if len(b.Versions) != 1 || b.Versions[0] != "2.0.0" {
		t.Fatalf("unexpected versions for 'b': %v", b.Versions)
	}
}

func TestHandleGetPackageFound(t *testing.T) {
	s := newTestServer(t, true)
	m := manifest.Manifest{Namespace: "ns", ShortName: "a", Version: "1.0.0"}
	mustRegister(t, s.indexer, "deadbeef", m, s.lms)

	r := httptest.NewRequest(http.MethodGet, "/packages/deadbeef", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got packageInfo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Hash != "deadbeef" {
		t.Fatalf("unexpected hash: %q", got.Hash)
	}
}

func TestHandleGetPackageNotFound(t *testing.T) {
	s := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodGet, "/packages/unknown", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var got NotFoundStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.What != WhatPackage {
		t.Fatalf("unexpected what: %q", got.What)
	}
}

// TestHandleOptionsHashMismatchIsInvalidPackage covers spec.md §8 scenario
// 3: a URI hash that disagrees with the uploaded package's content hash is
// rejected as INVALID_PACKAGE before any worker is ever acquired.
func TestHandleOptionsHashMismatchIsInvalidPackage(t *testing.T) {
	s := newTestServer(t, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	pw, err := mw.CreateFormField("package")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pw.Write([]byte("archive bytes")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/packages/not-the-real-hash/options", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var got RequestError
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ErrorCode != ErrInvalidPackage {
		t.Fatalf("expected INVALID_PACKAGE, got %s", got.ErrorCode)
	}
}

// TestHandleAttemptStartMissingQuestionStateIsInvalidRequest covers the
// pipeline's question-state precondition (spec.md §4.8): routes requiring
// question_state reject a request missing it with 400 INVALID_REQUEST
// before any package resolution is attempted.
func TestHandleAttemptStartMissingQuestionStateIsInvalidRequest(t *testing.T) {
	s := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodPost, "/packages/anything/attempt/start", bytes.NewReader([]byte(`{}`)))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var got RequestError
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ErrorCode != ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %s", got.ErrorCode)
	}
}

// fakeIndexableSource stands in for a local/repo collector: GetPackages
// only surfaces packages registered by an Indexable() source, unlike the
// LMS collector used elsewhere in this file for upload-only packages.
type fakeIndexableSource struct{}

func (fakeIndexableSource) ID() string      { return "test-collector" }
func (fakeIndexableSource) Indexable() bool { return true }

func mustRegister(t *testing.T, ix *indexer.Indexer, hash string, m manifest.Manifest, src indexer.Source) {
	t.Helper()
	if _, err := ix.Register(hash, m, manifest.Zip{Path: "/tmp/" + hash + ".qpy"}, src); err != nil {
		t.Fatal(err)
	}
}
