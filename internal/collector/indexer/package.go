// Package indexer implements the package indexer of spec.md §4.6: a
// hash-keyed registry of packages enriched with per-collector sources, with
// a secondary namespace/short_name/version index limited to "searchable"
// (local directory and repository) sources.
package indexer

import (
	"sync"

	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

// Source identifies one collector's claim on a Package. Implementations are
// typically the collector instance itself or a small value wrapping it.
type Source interface {
	// ID uniquely identifies this source instance, e.g. "local:/var/qp/pkgs"
	// or "repo:https://example.org/repo".
	ID() string
	// Indexable reports whether this source's inventory is authoritative by
	// (namespace, short_name, version) — true for local and repository
	// collectors, false for LMS uploads (spec.md §4.6).
	Indexable() bool
}

// Package is an immutable-by-hash bundle of manifest and archive location,
// enriched with the set of collectors ("sources") that currently vouch for
// it (spec.md §3 Package).
type Package struct {
	Hash     string
	Manifest manifest.Manifest
	Location manifest.Location // nil if only ever registered by manifest, e.g. a repository package not yet downloaded

	mu      sync.Mutex
	sources map[string]Source
}

func newPackage(hash string, m manifest.Manifest, loc manifest.Location, source Source) *Package {
	return &Package{
		Hash:     hash,
		Manifest: m,
		Location: loc,
		sources:  map[string]Source{source.ID(): source},
	}
}

// AddSource registers an additional collector as vouching for this package.
func (p *Package) AddSource(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[s.ID()] = s
}

// RemoveSource drops a collector's claim, returning true if no sources
// remain (the caller should then drop the package from the hash index).
func (p *Package) RemoveSource(s Source) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sources, s.ID())
	return len(p.sources) == 0
}

// ContainsSearchable reports whether any remaining source is Indexable.
func (p *Package) ContainsSearchable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sources {
		if s.Indexable() {
			return true
		}
	}
	return false
}

// Sources returns a snapshot of the current source set.
func (p *Package) Sources() []Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Source, 0, len(p.sources))
	for _, s := range p.sources {
		out = append(out, s)
	}
	return out
}
