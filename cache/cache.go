// Package cache is the façade the spec calls an external collaborator: a
// thin layer over the Storage Engine that adds object (de)serialization, an
// inline/file size threshold, per-instance path locking, and a background
// trim loop. None of this package's policy is load-bearing for the engine
// itself — it exists to exercise the engine end to end the way a real
// caller would.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/diskcache"
	"github.com/wolfeidau/diskcache/engine"
	"github.com/wolfeidau/diskcache/filestore"
	"github.com/wolfeidau/diskcache/internal/logutil"
	"github.com/wolfeidau/diskcache/metadb"
)

// defaultInlineThreshold is the default boundary (~20 KiB) above which a
// serialized value is written to an external Blob File instead of inline.
const defaultInlineThreshold = 20 * 1024

// openPaths deduplicates concurrent Open calls against the same cache root
// within this process: two Cache handles backed by the same SQLite file
// would race each other's single connection.
var openPaths sync.Map // map[string]struct{}

// Cache is the façade described by this package.
type Cache struct {
	root   string
	mode   diskcache.Mode
	mu     sync.Mutex
	logger *slog.Logger

	files *filestore.Store
	index *metadb.DB
	eng   *engine.Engine

	codec           Codec
	fileNamer       FileNamer
	inlineThreshold int

	maxCount    int64
	maxCost     int64
	maxAge      time.Duration
	minFreeDisk int64
	diskUsage   DiskUsage

	trimInterval time.Duration
	trim         *trimLoop

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMode fixes the Storage Engine's placement mode. Default ModeMix.
func WithMode(mode diskcache.Mode) Option {
	return func(c *Cache) { c.mode = mode }
}

// WithCodec overrides the object codec. Default GobCodec.
func WithCodec(codec Codec) Option {
	return func(c *Cache) { c.codec = codec }
}

// WithFileNamer overrides how external file names are synthesized for
// values that cross the inline threshold without a caller-supplied name.
// Default MD5FileNamer.
func WithFileNamer(namer FileNamer) Option {
	return func(c *Cache) { c.fileNamer = namer }
}

// WithInlineThreshold overrides the inline/file size boundary, in bytes.
func WithInlineThreshold(n int) Option {
	return func(c *Cache) { c.inlineThreshold = n }
}

// WithMaxCount sets the count limit enforced by the auto-trim loop. Zero
// (the default) means no limit.
func WithMaxCount(n int64) Option {
	return func(c *Cache) { c.maxCount = n }
}

// WithMaxCost sets the total-size limit in bytes. Zero means no limit.
func WithMaxCost(n int64) Option {
	return func(c *Cache) { c.maxCost = n }
}

// WithMaxAge sets the age limit; entries not accessed within this duration
// are evicted by the auto-trim loop. Zero means no limit.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// WithMinFreeDisk sets the minimum free bytes the auto-trim loop tries to
// maintain on the filesystem holding the cache root, using DiskUsage to
// measure it. Zero means no limit.
func WithMinFreeDisk(n int64, usage DiskUsage) Option {
	return func(c *Cache) {
		c.minFreeDisk = n
		c.diskUsage = usage
	}
}

// WithTrimInterval overrides the auto-trim loop's period. Default 60s.
func WithTrimInterval(d time.Duration) Option {
	return func(c *Cache) { c.trimInterval = d }
}

// WithNow overrides the time source, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Open constructs a Cache rooted at path, creating it if absent. Opening
// the same path twice within this process fails: the engine presumes
// single-threaded, single-owner access to its SQLite handle.
func Open(path string, opts ...Option) (*Cache, error) {
	if len(path) > diskcache.PathMax-64 {
		return nil, fmt.Errorf("cache: %w", diskcache.ErrPathTooLong)
	}
	if _, dup := openPaths.LoadOrStore(path, struct{}{}); dup {
		return nil, fmt.Errorf("cache: %w: already open in this process", diskcache.ErrBadArgument)
	}

	c := &Cache{
		root:            path,
		mode:            diskcache.ModeMix,
		logger:          logutil.Default(),
		codec:           GobCodec{},
		fileNamer:       MD5FileNamer,
		inlineThreshold: defaultInlineThreshold,
		diskUsage:       NoopDiskUsage,
		trimInterval:    60 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	files, err := filestore.Open(path, filestore.WithLogger(c.logger))
	if err != nil {
		openPaths.Delete(path)
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.files = files

	idx, err := metadb.Open(path, files, metadb.WithLogger(c.logger), metadb.WithNow(c.now))
	if err != nil {
		files.Close()
		openPaths.Delete(path)
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.index = idx

	c.eng = engine.New(c.mode, idx, files,
		engine.WithLogger(c.logger),
		engine.WithReopen(func() (engine.Index, error) { return idx, nil }),
	)

	c.trim = newTrimLoop(c)
	c.trim.start()

	return c, nil
}

// Close stops the background trim loop and the underlying engine.
func (c *Cache) Close() error {
	c.trim.stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.eng.Close()
	c.files.Close()
	openPaths.Delete(c.root)
	return err
}

// ContainsObject reports whether key has a stored object.
func (c *Cache) ContainsObject(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.ItemExists(key)
}

// Object retrieves key's value and decodes it into the value out points
// to, returning the entry's extended data. out must be a pointer.
func (c *Cache) Object(key string, out any) (extended []byte, ok bool) {
	c.mu.Lock()
	entry, found := c.eng.Item(key)
	c.mu.Unlock()
	if !found {
		return nil, false
	}
	if err := c.codec.Decode(entry.Value, out); err != nil {
		c.logger.Warn("cache: decoding object failed", "key", key, "error", err)
		return nil, false
	}
	return entry.ExtendedData, true
}

// SetObject encodes obj and stores it under key, with optional extended
// data. If obj's encoded size exceeds the inline threshold and the mode
// permits external storage, a file name is synthesized via the configured
// FileNamer.
func (c *Cache) SetObject(obj any, extended []byte, key string) error {
	data, err := c.codec.Encode(obj)
	if err != nil {
		return fmt.Errorf("cache: encoding object: %w", err)
	}

	fileName := ""
	if c.mode != diskcache.ModeSQL && len(data) > c.inlineThreshold {
		fileName = c.fileNamer(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.Save(key, data, fileName, extended)
}

// RemoveObject deletes key.
func (c *Cache) RemoveObject(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.Remove(key)
}

// RemoveObjectAsync deletes key on the shared trim worker, without waiting
// for completion. Async variants exist only for RemoveObject,
// RemoveAllObjects, TrimToCount, TrimToCost and TrimToAge; the lookup,
// store and total operations run synchronously only.
func (c *Cache) RemoveObjectAsync(key string) {
	c.trim.runAsync(func() { _ = c.RemoveObject(key) })
}

// RemoveAllObjects wipes the entire cache.
func (c *Cache) RemoveAllObjects() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.RemoveAll()
}

// RemoveAllObjectsAsync wipes the entire cache on the shared trim worker.
func (c *Cache) RemoveAllObjectsAsync() {
	c.trim.runAsync(func() { _ = c.RemoveAllObjects() })
}

// TotalCount returns the number of stored objects.
func (c *Cache) TotalCount() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.ItemsCount()
}

// TotalCost returns the total size, in bytes, of all stored objects.
func (c *Cache) TotalCost() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.ItemsSize()
}

// TrimToCount evicts least-recently-used objects until at most target
// remain.
func (c *Cache) TrimToCount(target int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.RemoveToFitCount(target)
}

// TrimToCountAsync is TrimToCount run on the shared trim worker.
func (c *Cache) TrimToCountAsync(target int64) {
	c.trim.runAsync(func() { _ = c.TrimToCount(target) })
}

// TrimToCost evicts least-recently-used objects until total size is at most
// target bytes.
func (c *Cache) TrimToCost(target int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.RemoveToFitSize(target)
}

// TrimToCostAsync is TrimToCost run on the shared trim worker.
func (c *Cache) TrimToCostAsync(target int64) {
	c.trim.runAsync(func() { _ = c.TrimToCost(target) })
}

// TrimToAge evicts every object not accessed within maxAge.
func (c *Cache) TrimToAge(maxAge time.Duration) error {
	cutoff := diskcache.UnixSeconds(c.now().Add(-maxAge))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng.RemoveEarlierThan(cutoff)
}

// TrimToAgeAsync is TrimToAge run on the shared trim worker.
func (c *Cache) TrimToAgeAsync(maxAge time.Duration) {
	c.trim.runAsync(func() { _ = c.TrimToAge(maxAge) })
}
