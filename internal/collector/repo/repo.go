// Package repo implements the remote-repository package collector of
// spec.md §4.7: it polls a repository index, diffs it against what it last
// saw, and lazily downloads individual package archives into a shared
// cache on first access.
package repo

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/questionpy-go/questionpy-server/internal/cache/filelru"
	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Registrar is the subset of *indexer.Indexer the repository collector
// drives directly with an already-known manifest (no worker round-trip
// needed, unlike the local collector).
type Registrar interface {
	Register(hash string, m manifest.Manifest, loc manifest.Location, source indexer.Source) (*indexer.Package, error)
	Unregister(hash string, source indexer.Source)
}

// meta mirrors META.json: a timestamp plus size+hash of the index so the
// collector can skip re-downloading PACKAGES.json.gz when nothing changed.
type meta struct {
	Timestamp int64  `json:"timestamp"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256"`
}

// packagesEntry is one (manifest, versions) record inside PACKAGES.json.gz;
// versions lists every version string this manifest's hash applies to, per
// spec.md §4.7 ("a list of (manifest, versions[]) entries").
type packagesEntry struct {
	Manifest manifest.Manifest `json:"manifest"`
	Hash     string            `json:"hash"`
	Size     int64             `json:"size"`
	SHA256   string            `json:"sha256"`
	Versions []string          `json:"versions"`
}

// repoPackage is one hash's worth of indexed state, as described by
// spec.md §4.7's "RepoPackage(manifest-with-this-version, path, size,
// sha256)".
type repoPackage struct {
	manifest manifest.Manifest
	path     string
	size     int64
	sha256   string
}

// Collector is the remote-repository collector.
type Collector struct {
	baseURL string
	cache   *filelru.Cache // package archive cache
	index   *filelru.Cache // optional: raw PACKAGES.json.gz cache (spec.md §4.5's "repo-index" cache)
	indexer Registrar
	log     *zap.Logger

	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastTS   int64
	packages map[string]repoPackage // hash -> repoPackage, last diffed state
}

// Option configures a Collector.
type Option func(*Collector)

func WithHTTPClient(c *http.Client) Option { return func(col *Collector) { col.client = c } }

// WithIndexCache persists each successfully fetched PACKAGES.json.gz under
// its own sha256 in a second on-disk cache (spec.md §6.4: "the two caches
// (package, repo-index)"). The cache is only written: Poll never reads it
// back and always fetches the index over HTTP, also after a restart.
func WithIndexCache(c *filelru.Cache) Option { return func(col *Collector) { col.index = c } }

// New constructs a repository collector polling baseURL, with requests
// throttled by limiter and shielded by a circuit breaker (spec.md §4.7,
// §7's recovery policy for unreliable external dependencies).
func New(baseURL string, cache *filelru.Cache, reg Registrar, log *zap.Logger, opts ...Option) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Collector{
		baseURL:  baseURL,
		cache:    cache,
		indexer:  reg,
		log:      log,
		client:   http.DefaultClient,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		packages: make(map[string]repoPackage),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "repo-collector:" + baseURL,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements indexer.Source.
func (c *Collector) ID() string { return "repo:" + c.baseURL }

// Indexable implements indexer.Source: repositories are authoritative by
// identifier.
func (c *Collector) Indexable() bool { return true }

// Poll runs one polling cycle (spec.md §4.7): fetch META.json, and if its
// timestamp advanced, fetch+verify+decompress PACKAGES.json.gz and diff.
func (c *Collector) Poll(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	m, err := c.fetchMeta(ctx)
	if err != nil {
		return fmt.Errorf("repo collector: fetch meta: %w", err)
	}

	c.mu.Lock()
	unchanged := m.Timestamp <= c.lastTS && c.lastTS != 0
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	entries, err := c.fetchPackagesIndex(ctx, m)
	if err != nil {
		return fmt.Errorf("repo collector: fetch packages index: %w", err)
	}

	next := make(map[string]repoPackage, len(entries))
	for _, e := range entries {
		for _, v := range e.Versions {
			rm := e.Manifest
			rm.Version = v
			next[e.Hash] = repoPackage{manifest: rm, size: e.Size, sha256: e.SHA256}
		}
	}

	c.diff(next)

	c.mu.Lock()
	c.packages = next
	c.lastTS = m.Timestamp
	c.mu.Unlock()

	return nil
}

// Run polls on interval until ctx is cancelled, logging (not failing on)
// transient polling errors so one bad cycle doesn't kill the collector.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil {
				c.log.Warn("repo collector poll failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) diff(next map[string]repoPackage) {
	c.mu.Lock()
	prev := c.packages
	c.mu.Unlock()

	for hash := range prev {
		if _, stillThere := next[hash]; !stillThere {
			c.indexer.Unregister(hash, c)
		}
	}
	for hash, pkg := range next {
		if _, existed := prev[hash]; !existed {
			if _, err := c.indexer.Register(hash, pkg.manifest, nil, c); err != nil {
				c.log.Warn("failed to register repository package", zap.String("hash", hash), zap.Error(err))
			}
		}
	}
}

// GetPath downloads and verifies the archive for a package discovered by
// this collector, caching it for subsequent calls (spec.md §4.7).
func (c *Collector) GetPath(ctx context.Context, hash string) (string, error) {
	if path, err := c.cache.Get(hash); err == nil {
		return path, nil
	}

	c.mu.Lock()
	pkg, ok := c.packages[hash]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("repo collector: unknown package hash %q", hash)
	}

	data, err := c.fetchAndVerify(ctx, c.archiveURL(hash), pkg.size, pkg.sha256)
	if err != nil {
		return "", fmt.Errorf("repo collector: download archive: %w", err)
	}

	path, err := c.cache.Put(hash, data)
	if err != nil {
		return "", err // includes filelru.ErrTooLarge, the spec's FileNotFound-equivalent
	}
	return path, nil
}

func (c *Collector) archiveURL(hash string) string {
	return c.baseURL + "/packages/" + hash + ".qpy"
}

func (c *Collector) fetchMeta(ctx context.Context) (meta, error) {
	data, err := c.fetchWithRetry(ctx, c.baseURL+"/META.json")
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, fmt.Errorf("parse META.json: %w", err)
	}
	return m, nil
}

func (c *Collector) fetchPackagesIndex(ctx context.Context, m meta) ([]packagesEntry, error) {
	raw, err := c.fetchAndVerify(ctx, c.baseURL+"/PACKAGES.json.gz", m.Size, m.SHA256)
	if err != nil {
		return nil, err
	}
	if err := VerifyIndexSignature(raw, m); err != nil {
		return nil, fmt.Errorf("repo collector: index signature: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress PACKAGES.json.gz: %w", err)
	}
	defer gz.Close()

	decompressed, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("read decompressed index: %w", err)
	}

	var entries []packagesEntry
	if err := json.Unmarshal(decompressed, &entries); err != nil {
		return nil, fmt.Errorf("parse PACKAGES.json: %w", err)
	}

	if c.index != nil {
		if _, err := c.index.Put(m.SHA256, raw); err != nil {
			c.log.Warn("failed to persist repository index to cache", zap.Error(err))
		}
	}

	return entries, nil
}

// VerifyIndexSignature is a stub, mirroring questionpy_server/repository/
// helper.py's own stub of the same purpose: the source accepts any
// PACKAGES.json.gz unconditionally and flags the gap in a comment rather
// than implementing real signature verification. This port keeps that
// posture instead of inventing a scheme the original never specified.
func VerifyIndexSignature(raw []byte, m meta) error {
	return nil
}

// fetchAndVerify downloads url and checks its size and sha256 against the
// values the repository's own index claimed (spec.md §4.7: "verifies size
// and sha256" for both the index and each archive).
func (c *Collector) fetchAndVerify(ctx context.Context, url string, wantSize int64, wantSHA256 string) ([]byte, error) {
	data, err := c.fetchWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	if wantSize != 0 && int64(len(data)) != wantSize {
		return nil, fmt.Errorf("size mismatch for %s: got %d, want %d", url, len(data), wantSize)
	}
	if wantSHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != wantSHA256 {
			return nil, fmt.Errorf("sha256 mismatch for %s: got %s, want %s", url, got, wantSHA256)
		}
	}
	return data, nil
}

// fetchWithRetry performs one HTTP GET behind the circuit breaker, with
// exponential-backoff retry on transient failures (spec.md §7).
func (c *Collector) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	op := func() error {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, url)
		})
		if err != nil {
			return err
		}
		data = v.([]byte)
		return nil
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, 3)); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Collector) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("repo collector: %s: server error %d", url, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("repo collector: %s: status %d", url, resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}
