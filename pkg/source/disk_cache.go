package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"

	"github.com/chazu/hotload/pkg/metrics"
)

const (
	DefaultMaxEntries = 256
	DefaultTTL        = 24 * time.Hour

	indexName = "index.json"
)

// ErrCacheMiss is returned by DiskCache.Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// DiskCacheOptions configure a DiskCache. Zero values pick the defaults and
// a directory under os.TempDir.
type DiskCacheOptions struct {
	Dir        string
	MaxEntries int
	TTL        time.Duration
	Logger     logr.Logger
}

// DiskCache keeps fetched remote blobs across runs: Git file contents keyed
// by commit and OCI layers keyed by manifest digest. Blobs live in one file
// each, named by the hash of their key; an index records when each was
// stored and last read. Past MaxEntries the least recently read blob goes.
type DiskCache struct {
	mu sync.Mutex

	dir   string
	limit int
	ttl   time.Duration
	log   logr.Logger
	now   func() time.Time

	index map[string]*blobRecord
	clock uint64
}

type blobRecord struct {
	Size   int64     `json:"size"`
	Stored time.Time `json:"stored"`
	// Used orders records by last access; higher is more recent.
	Used uint64 `json:"used"`
}

type blobIndex struct {
	Clock uint64                 `json:"clock"`
	Blobs map[string]*blobRecord `json:"blobs"`
}

// CacheStats is a point-in-time view of a DiskCache.
type CacheStats struct {
	EntryCount int
	MaxEntries int
	TotalSize  int64
}

// NewDiskCache opens the cache in opts.Dir, creating it if needed, and
// keeps whatever unexpired blobs an earlier process left there.
func NewDiskCache(opts DiskCacheOptions) (*DiskCache, error) {
	c := &DiskCache{
		dir:   opts.Dir,
		limit: opts.MaxEntries,
		ttl:   opts.TTL,
		log:   opts.Logger,
		now:   time.Now,
		index: make(map[string]*blobRecord),
	}
	if c.dir == "" {
		c.dir = filepath.Join(os.TempDir(), "hotload-cache")
	}
	if c.limit <= 0 {
		c.limit = DefaultMaxEntries
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.log.GetSink() == nil {
		c.log = logr.Discard()
	}
	c.log = c.log.WithName("disk-cache")

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir %s: %w", c.dir, err)
	}
	if err := c.restore(); err != nil {
		c.log.Error(err, "starting with an empty cache", "dir", c.dir)
		c.index = make(map[string]*blobRecord)
	}
	return c, nil
}

// Get returns the blob stored under key, or an error wrapping ErrCacheMiss.
func (c *DiskCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.index[key]
	if !ok {
		return nil, c.miss(key, "absent")
	}
	if c.stale(rec) {
		c.drop(key)
		return nil, c.miss(key, "expired")
	}
	b, err := os.ReadFile(c.blob(key))
	if err != nil {
		c.drop(key)
		return nil, c.miss(key, "blob unreadable")
	}

	c.clock++
	rec.Used = c.clock
	metrics.RecordSourceCache("hit")
	return b, nil
}

// Set stores content under key.
func (c *DiskCache) Set(key string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[key]; !ok {
		for len(c.index) >= c.limit {
			c.evict()
		}
	}
	if err := os.WriteFile(c.blob(key), content, 0o644); err != nil {
		c.drop(key)
		return fmt.Errorf("store %s: %w", key, err)
	}
	c.clock++
	c.index[key] = &blobRecord{Size: int64(len(content)), Stored: c.now(), Used: c.clock}

	if err := c.persist(); err != nil {
		c.log.Error(err, "cache index not saved")
	}
	return nil
}

// Delete forgets key.
func (c *DiskCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drop(key)
	return c.persist()
}

// Prune drops every expired blob.
func (c *DiskCache) Prune() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, rec := range c.index {
		if c.stale(rec) {
			c.drop(key)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	c.log.V(1).Info("pruned", "blobs", n)
	return c.persist()
}

func (c *DiskCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := CacheStats{EntryCount: len(c.index), MaxEntries: c.limit}
	for _, rec := range c.index {
		st.TotalSize += rec.Size
	}
	return st
}

func (c *DiskCache) miss(key, why string) error {
	metrics.RecordSourceCache("miss")
	return fmt.Errorf("%w: %s (%s)", ErrCacheMiss, key, why)
}

func (c *DiskCache) stale(rec *blobRecord) bool {
	return c.now().Sub(rec.Stored) > c.ttl
}

// blob names the file for key; keys carry URLs and refs, so they are hashed.
func (c *DiskCache) blob(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%016x.blob", xxhash.Sum64String(key)))
}

func (c *DiskCache) drop(key string) {
	if _, ok := c.index[key]; !ok {
		return
	}
	delete(c.index, key)
	_ = os.Remove(c.blob(key))
}

func (c *DiskCache) evict() {
	var (
		victim string
		oldest uint64
		found  bool
	)
	for key, rec := range c.index {
		if !found || rec.Used < oldest {
			victim, oldest, found = key, rec.Used, true
		}
	}
	if found {
		c.drop(victim)
		metrics.RecordSourceCache("eviction")
	}
}

func (c *DiskCache) restore() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var idx blobIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decode %s: %w", indexName, err)
	}

	c.clock = idx.Clock
	for key, rec := range idx.Blobs {
		if c.stale(rec) {
			_ = os.Remove(c.blob(key))
			continue
		}
		if _, err := os.Stat(c.blob(key)); err == nil {
			c.index[key] = rec
		}
	}
	return nil
}

// persist writes the index through a temp file so readers never see a
// partial one.
func (c *DiskCache) persist() error {
	data, err := json.Marshal(blobIndex{Clock: c.clock, Blobs: c.index})
	if err != nil {
		return err
	}
	dst := filepath.Join(c.dir, indexName)
	if err := os.WriteFile(dst+".tmp", data, 0o644); err != nil {
		return fmt.Errorf("save cache index: %w", err)
	}
	return os.Rename(dst+".tmp", dst)
}
