package indexer

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"github.com/questionpy-go/questionpy-server/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ManifestResolver asks a worker to open a package location and return its
// manifest, the one piece of information the indexer cannot derive itself
// (spec.md §4.6: "resolving manifest by asking a worker if only the
// location was supplied").
type ManifestResolver interface {
	ResolveManifest(ctx context.Context, loc manifest.Location) (manifest.Manifest, error)
}

// manifestCacheSize bounds the hot cache of resolved-by-location manifests;
// hitting it only adds latency, never incorrectness.
const manifestCacheSize = 256

// Indexer maps package hash to Package, and (namespace, short_name,
// version) to Package for sources whose inventory is authoritative by
// identifier (spec.md §4.6).
type Indexer struct {
	resolver ManifestResolver
	log      *zap.Logger

	mu           sync.Mutex
	byHash       map[string]*Package
	byIdentifier map[string]map[string]*Package // "namespace/short_name" -> version -> Package

	manifestCache *lru.Cache
	resolveGroup  singleflight.Group
}

func New(resolver ManifestResolver, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	cache, _ := lru.New(manifestCacheSize)
	return &Indexer{
		resolver:      resolver,
		log:           log,
		byHash:        make(map[string]*Package),
		byIdentifier:  make(map[string]map[string]*Package),
		manifestCache: cache,
	}
}

func identifierKey(namespace, shortName string) string {
	return namespace + "/" + shortName
}

// GetByHash returns the package with the given hash, or nil.
func (ix *Indexer) GetByHash(hash string) *Package {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.byHash[hash]
}

// GetByName returns a copy of the version->Package map for short_name
// within namespace.
func (ix *Indexer) GetByName(namespace, shortName string) map[string]*Package {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	versions := ix.byIdentifier[identifierKey(namespace, shortName)]
	out := make(map[string]*Package, len(versions))
	for v, p := range versions {
		out[v] = p
	}
	return out
}

// GetByNameAndVersion returns the package with this exact identity, or nil.
func (ix *Indexer) GetByNameAndVersion(namespace, shortName, version string) *Package {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	versions := ix.byIdentifier[identifierKey(namespace, shortName)]
	if versions == nil {
		return nil
	}
	return versions[version]
}

// GetPackages returns every package reachable by identifier, i.e.
// excluding LMS-upload-only packages (spec.md §4.6).
func (ix *Indexer) GetPackages() []*Package {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	seen := make(map[string]*Package)
	for _, versions := range ix.byIdentifier {
		for _, p := range versions {
			seen[p.Hash] = p
		}
	}
	out := make([]*Package, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

// RegisterFromLocation registers a package whose manifest must be resolved
// by asking a worker to open loc. Concurrent registrations of the same new
// hash collapse into a single resolution call.
func (ix *Indexer) RegisterFromLocation(ctx context.Context, hash string, loc manifest.Location, source Source) (*Package, error) {
	ix.mu.Lock()
	if p, ok := ix.byHash[hash]; ok {
		p.AddSource(source)
		ix.mu.Unlock()
		return p, nil
	}
	ix.mu.Unlock()

	m, err := ix.resolveManifest(ctx, hash, loc)
	if err != nil {
		return nil, fmt.Errorf("indexer: resolve manifest for %s: %w", hash, err)
	}

	return ix.Register(hash, m, loc, source)
}

func (ix *Indexer) resolveManifest(ctx context.Context, hash string, loc manifest.Location) (manifest.Manifest, error) {
	if cached, ok := ix.manifestCache.Get(hash); ok {
		return cached.(manifest.Manifest), nil
	}

	v, err, _ := ix.resolveGroup.Do(hash, func() (any, error) {
		m, err := ix.resolver.ResolveManifest(ctx, loc)
		if err != nil {
			return manifest.Manifest{}, err
		}
		ix.manifestCache.Add(hash, m)
		return m, nil
	})
	if err != nil {
		return manifest.Manifest{}, err
	}
	return v.(manifest.Manifest), nil
}

// Register inserts a package whose manifest is already known (e.g. a
// repository index entry, or a location just resolved by
// RegisterFromLocation). If the hash
// is already indexed, source is simply added to the existing package.
func (ix *Indexer) Register(hash string, m manifest.Manifest, loc manifest.Location, source Source) (*Package, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pkg, exists := ix.byHash[hash]
	if exists {
		pkg.AddSource(source)
	} else {
		pkg = newPackage(hash, m, loc, source)
		ix.byHash[hash] = pkg
		metrics.IndexedPackages.Set(float64(len(ix.byHash)))
	}

	if source.Indexable() {
		key := identifierKey(m.Namespace, m.ShortName)
		versions, ok := ix.byIdentifier[key]
		if !ok {
			versions = make(map[string]*Package)
			ix.byIdentifier[key] = versions
		}
		if existing, ok := versions[m.Version]; ok && existing.Hash != pkg.Hash {
			ix.log.Warn("package identity collision: keeping first-registered hash",
				zap.String("namespace", m.Namespace),
				zap.String("short_name", m.ShortName),
				zap.String("version", m.Version),
				zap.String("existing_hash", existing.Hash),
				zap.String("rejected_hash", pkg.Hash))
		} else {
			versions[m.Version] = pkg
		}
	}

	return pkg, nil
}

// Unregister removes source's claim on hash, dropping the package from the
// identifier index and/or the hash index once no sources remain per
// spec.md §4.6.
func (ix *Indexer) Unregister(hash string, source Source) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pkg, ok := ix.byHash[hash]
	if !ok {
		return
	}

	empty := pkg.RemoveSource(source)

	if source.Indexable() && !pkg.ContainsSearchable() {
		key := identifierKey(pkg.Manifest.Namespace, pkg.Manifest.ShortName)
		if versions, ok := ix.byIdentifier[key]; ok {
			delete(versions, pkg.Manifest.Version)
			if len(versions) == 0 {
				delete(ix.byIdentifier, key)
			}
		}
	}

	if empty {
		delete(ix.byHash, hash)
		metrics.IndexedPackages.Set(float64(len(ix.byHash)))
	}
}
