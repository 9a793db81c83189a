// Package filelru implements the content-addressed, size-bounded on-disk
// cache of spec.md §4.5: files are written atomically (write to a temp
// path, rename into place), tracked in an in-memory LRU ordering, and
// evicted oldest-first once the cache's total size would exceed its
// configured maximum.
package filelru

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/questionpy-go/questionpy-server/internal/metrics"
	"go.uber.org/zap"
)

// ErrTooLarge is returned by Put when a single value exceeds the cache's
// maximum size outright (spec.md §4.5: admitting it would force the
// eviction loop to empty the entire cache).
var ErrTooLarge = errors.New("filelru: value exceeds cache maximum size")

// entry tracks one cached file's on-disk path and size.
type entry struct {
	key  string
	path string
	size int64
}

// OnRemove is invoked once, asynchronously, after a file is evicted or
// explicitly removed (spec.md §9, Open Question 2: async, single-shot).
type OnRemove func(key string)

// Cache is a directory-backed LRU keyed by content hash or identifier
// string. The zero value is not usable; construct with New.
type Cache struct {
	name      string
	dir       string
	extension string
	maxSize   int64

	log *zap.Logger

	mu        sync.Mutex
	files     map[string]*list.Element // key -> element holding *entry, front = most recently used
	order     *list.List
	totalSize int64

	onRemove OnRemove
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithExtension appends ext (without a leading dot required) to every
// cached file's name on disk.
func WithExtension(ext string) Option {
	return func(c *Cache) {
		if ext != "" {
			c.extension = "." + trimLeadingDots(ext)
		}
	}
}

// WithOnRemove registers the eviction/removal callback.
func WithOnRemove(f OnRemove) Option {
	return func(c *Cache) { c.onRemove = f }
}

// SetOnRemove (re)assigns the eviction/removal callback after construction,
// for callers that need a reference to the Cache itself before they can
// build the callback (e.g. the LMS collector, which is only constructible
// once its cache already exists).
func (c *Cache) SetOnRemove(f OnRemove) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemove = f
}

// WithName labels the cache in log lines (e.g. "package cache").
func WithName(name string) Option {
	return func(c *Cache) { c.name = name }
}

func trimLeadingDots(s string) string {
	for len(s) > 0 && s[0] == '.' {
		s = s[1:]
	}
	return s
}

const tmpSuffix = ".tmp"

// New scans dir for pre-existing files, reclaiming them into the LRU in
// directory-iteration order (oldest-first is not recoverable across
// restarts, matching the Python implementation's same limitation), and
// returns a ready-to-use Cache. Leftover *.tmp files from a prior crash
// are deleted.
func New(dir string, maxSize int64, log *zap.Logger, opts ...Option) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		name:    "Cache",
		dir:     dir,
		maxSize: maxSize,
		log:     log,
		files:   make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filelru: create cache dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filelru: read cache dir: %w", err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if filepath.Ext(de.Name()) == tmpSuffix {
			os.Remove(path)
			continue
		}
		if c.extension != "" && !strings.HasSuffix(de.Name(), c.extension) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		key := c.keyFromFilename(de.Name())
		size := info.Size()
		if c.totalSize+size > c.maxSize {
			os.Remove(path)
			continue
		}
		c.totalSize += size
		el := c.order.PushBack(&entry{key: key, path: path, size: size})
		c.files[key] = el
	}

	log.Info("file cache initialized",
		zap.String("cache", c.name),
		zap.String("dir", dir),
		zap.Int("files", len(c.files)),
		zap.Int64("total_size", c.totalSize),
		zap.Int64("max_size", c.maxSize))

	metrics.CacheBytesUsed.WithLabelValues(c.name).Set(float64(c.totalSize))

	return c, nil
}

func (c *Cache) keyFromFilename(name string) string {
	if c.extension != "" {
		return name[:len(name)-len(c.extension)]
	}
	return name
}

func (c *Cache) filename(key string) string {
	return key + c.extension
}

// Contains reports whether key is cached, promoting it to most-recently-used
// as a side effect (matching the Python `contains` method's documented
// behavior).
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.files[key]
	if !ok {
		return false
	}
	c.order.MoveToFront(el)
	return true
}

// Get returns the on-disk path of a cached file, promoting it to
// most-recently-used.
func (c *Cache) Get(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.files[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return "", os.ErrNotExist
	}
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	c.order.MoveToFront(el)
	return el.Value.(*entry).path, nil
}

// Put writes value to the cache under key atomically (temp file + rename)
// and evicts least-recently-used entries until the cache fits under its
// maximum size again.
func (c *Cache) Put(key string, value []byte) (string, error) {
	size := int64(len(value))
	if size > c.maxSize {
		return "", fmt.Errorf("%w: %d > %d", ErrTooLarge, size, c.maxSize)
	}

	path := filepath.Join(c.dir, c.filename(key))
	tmpPath := path + tmpSuffix

	if err := os.WriteFile(tmpPath, value, 0o644); err != nil {
		return "", fmt.Errorf("filelru: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("filelru: rename into place: %w", err)
	}

	var evicted []string
	c.mu.Lock()
	if el, exists := c.files[key]; exists {
		old := el.Value.(*entry)
		c.totalSize -= old.size
		old.size = size
		old.path = path
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&entry{key: key, path: path, size: size})
		c.files[key] = el
	}
	c.totalSize += size

	for c.totalSize > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.files, victim.key)
		c.totalSize -= victim.size
		os.Remove(victim.path)
		evicted = append(evicted, victim.key)
	}
	c.mu.Unlock()

	metrics.CacheBytesUsed.WithLabelValues(c.name).Set(float64(c.TotalSize()))
	for _, k := range evicted {
		metrics.CacheEvictions.WithLabelValues(c.name, "evicted").Inc()
		c.notifyRemoved(k)
	}

	return path, nil
}

// Remove deletes key from the cache and the filesystem.
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	el, ok := c.files[key]
	if !ok {
		c.mu.Unlock()
		return os.ErrNotExist
	}
	victim := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.files, key)
	c.totalSize -= victim.size
	c.mu.Unlock()

	if err := os.Remove(victim.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filelru: remove %q: %w", victim.path, err)
	}
	metrics.CacheBytesUsed.WithLabelValues(c.name).Set(float64(c.TotalSize()))
	metrics.CacheEvictions.WithLabelValues(c.name, "removed").Inc()
	c.notifyRemoved(key)
	return nil
}

func (c *Cache) notifyRemoved(key string) {
	if c.onRemove != nil {
		go c.onRemove(key)
	}
}

// TotalSize returns the cache's current occupied size in bytes.
func (c *Cache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// SpaceLeft returns MaxSize - TotalSize.
func (c *Cache) SpaceLeft() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize - c.totalSize
}

// Keys returns a snapshot of all cached keys in LRU order, most-recently
// used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.files))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// HashKey returns the content-address key used by package/source caches:
// the lowercase hex SHA-256 digest of data.
func HashKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader is like HashKey but streams from r instead of requiring the
// full content in memory.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
