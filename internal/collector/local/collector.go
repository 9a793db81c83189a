// Package local implements the local-directory package collector of
// spec.md §4.7: it watches a directory of package archives, maintains a
// bidirectional path↔hash map, and reflects filesystem changes into the
// package indexer.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/questionpy-go/questionpy-server/internal/collector/indexer"
	"github.com/questionpy-go/questionpy-server/internal/manifest"
	"go.uber.org/zap"
)

// Extension is the only filename suffix the collector watches.
const Extension = ".qpy"

// Registrar is the subset of *indexer.Indexer this collector needs,
// narrowed for testability.
type Registrar interface {
	RegisterFromLocation(ctx context.Context, hash string, loc manifest.Location, source indexer.Source) (*indexer.Package, error)
	Unregister(hash string, source indexer.Source)
}

// pathToHash is the bidirectional map of spec.md §4.7's "PathToHash":
// one hash may have multiple paths (hardlinks or duplicate uploads).
type pathToHash struct {
	paths  map[string]string            // path -> hash
	hashes map[string]map[string]struct{} // hash -> set of paths
}

func newPathToHash() *pathToHash {
	return &pathToHash{paths: map[string]string{}, hashes: map[string]map[string]struct{}{}}
}

func (m *pathToHash) insert(hash, path string) {
	m.paths[path] = hash
	set, ok := m.hashes[hash]
	if !ok {
		set = map[string]struct{}{}
		m.hashes[hash] = set
	}
	set[path] = struct{}{}
}

func (m *pathToHash) hashOf(path string) (string, bool) {
	h, ok := m.paths[path]
	return h, ok
}

func (m *pathToHash) pathsOf(hash string) map[string]struct{} {
	return m.hashes[hash]
}

// popPath removes path and returns its hash, if any.
func (m *pathToHash) popPath(path string) (string, bool) {
	hash, ok := m.paths[path]
	if !ok {
		return "", false
	}
	delete(m.paths, path)
	if set := m.hashes[hash]; set != nil {
		delete(set, path)
		if len(set) == 0 {
			delete(m.hashes, hash)
		}
	}
	return hash, true
}

// snapshot is a point-in-time directory listing keyed by path, recording
// mtime+size so update() can classify created/modified/deleted without a
// filesystem-watch API (see DESIGN.md's stdlib justification: no pack
// dependency provides filesystem watch semantics).
type snapshot map[string]fileStat

type fileStat struct {
	modTime time.Time
	size    int64
}

func scanDir(dir string) (snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	snap := make(snapshot, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap[filepath.Join(dir, e.Name())] = fileStat{modTime: info.ModTime(), size: info.Size()}
	}
	return snap, nil
}

// Collector is the local-directory collector. It satisfies indexer.Source
// so the indexer can track it as a package source.
type Collector struct {
	dir      string
	indexer  Registrar
	log      *zap.Logger

	mu   sync.Mutex
	snap snapshot
	m    *pathToHash
}

func New(dir string, reg Registrar, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{dir: dir, indexer: reg, log: log, m: newPathToHash()}
}

// ID implements indexer.Source.
func (c *Collector) ID() string { return "local:" + c.dir }

// Indexable implements indexer.Source: local collectors are authoritative
// by identifier.
func (c *Collector) Indexable() bool { return true }

// Start performs the initial directory scan (spec.md §4.7: "triggered at
// startup").
func (c *Collector) Start(ctx context.Context) error {
	return c.update(ctx, false)
}

// Update re-scans the directory and reflects any difference into the
// indexer (spec.md §4.7: "triggered ... on an external signal").
func (c *Collector) Update(ctx context.Context) error {
	return c.update(ctx, true)
}

func (c *Collector) update(ctx context.Context, withLog bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newSnap, err := scanDir(c.dir)
	if err != nil {
		return fmt.Errorf("local collector: scan %s: %w", c.dir, err)
	}
	oldSnap := c.snap
	if oldSnap == nil {
		oldSnap = snapshot{}
	}

	var createdPaths, deletedPaths []string
	var modified int

	for path, st := range newSnap {
		old, existed := oldSnap[path]
		if !existed {
			createdPaths = append(createdPaths, path)
			continue
		}
		if old.modTime != st.modTime || old.size != st.size {
			modified++
			c.log.Warn("package file was modified; in-flight worker reads may observe inconsistent data",
				zap.String("path", path))
			c.removePackage(ctx, path)
			if err := c.addPackage(ctx, path); err != nil {
				c.log.Warn("failed to re-index modified package", zap.String("path", path), zap.Error(err))
			}
		}
	}
	for path := range oldSnap {
		if _, stillThere := newSnap[path]; !stillThere {
			deletedPaths = append(deletedPaths, path)
		}
	}

	moved := c.detectMoves(createdPaths, deletedPaths, oldSnap, newSnap)
	createdPaths = subtractMoved(createdPaths, moved, true)
	deletedPaths = subtractMoved(deletedPaths, moved, false)

	for _, path := range createdPaths {
		if err := c.addPackage(ctx, path); err != nil {
			c.log.Warn("failed to index new package", zap.String("path", path), zap.Error(err))
		}
	}
	for _, path := range deletedPaths {
		c.removePackage(ctx, path)
	}

	c.snap = newSnap

	if withLog {
		c.log.Info("local collector directory update",
			zap.Int("created", len(createdPaths)), zap.Int("deleted", len(deletedPaths)),
			zap.Int("modified", modified), zap.Int("moved", len(moved)))
	}
	return nil
}

// movedPair is one (old path, new path) rename detected between two scans.
type movedPair struct {
	from, to string
}

// detectMoves implements spec.md §4.7's "moved" case, distinguished from a
// plain delete+create: a deleted path and a created path whose size and
// mtime agree are treated as a rename of the same content, since a POSIX
// rename(2) preserves both. This lets the move update c.m directly, reusing
// the already-known hash from the old path instead of re-reading and
// re-hashing the file, and without calling RegisterFromLocation/Unregister —
// the hash stays registered under the same source throughout.
func (c *Collector) detectMoves(createdPaths, deletedPaths []string, oldSnap, newSnap snapshot) []movedPair {
	var moved []movedPair
	usedCreated := make(map[string]bool, len(createdPaths))

	for _, from := range deletedPaths {
		hash, ok := c.m.hashOf(from)
		if !ok {
			continue
		}
		oldStat := oldSnap[from]
		for _, to := range createdPaths {
			if usedCreated[to] {
				continue
			}
			newStat := newSnap[to]
			if newStat.size != oldStat.size || !newStat.modTime.Equal(oldStat.modTime) {
				continue
			}
			usedCreated[to] = true
			c.m.popPath(from)
			c.m.insert(hash, to)
			moved = append(moved, movedPair{from: from, to: to})
			break
		}
	}
	return moved
}

// subtractMoved drops every path already accounted for by a detected move
// from a created/deleted worklist, leaving only genuine creates/deletes.
func subtractMoved(paths []string, moved []movedPair, fromCreated bool) []string {
	if len(moved) == 0 {
		return paths
	}
	skip := make(map[string]bool, len(moved))
	for _, m := range moved {
		if fromCreated {
			skip[m.to] = true
		} else {
			skip[m.from] = true
		}
	}
	out := paths[:0]
	for _, p := range paths {
		if !skip[p] {
			out = append(out, p)
		}
	}
	return out
}

func (c *Collector) addPackage(ctx context.Context, path string) error {
	hash, err := hashFile(path)
	if err != nil {
		return err
	}
	c.m.insert(hash, path)
	_, err = c.indexer.RegisterFromLocation(ctx, hash, manifest.Zip{Path: path}, c)
	return err
}

func (c *Collector) removePackage(ctx context.Context, path string) {
	hash, ok := c.m.popPath(path)
	if !ok {
		return
	}
	if remaining := c.m.pathsOf(hash); len(remaining) == 0 {
		c.indexer.Unregister(hash, c)
	}
}

// GetPath returns the on-disk path for a package hash known to this
// collector, or an error if none of its tracked paths still exist.
func (c *Collector) GetPath(hash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.m.pathsOf(hash) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", os.ErrNotExist
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
