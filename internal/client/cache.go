package client

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// maxCacheEntries only bounds the LRU bookkeeping; the byte limit is what
// actually evicts.
const maxCacheEntries = 1 << 20

// diskCache is a byte-bounded LRU of immutable responses persisted as one
// file per entry. Entries survive restarts; recency is seeded from file
// modification times on open.
type diskCache struct {
	dir   string
	limit int64

	mu    sync.Mutex
	used  int64
	index *lru.Cache[string, int64] // fingerprint -> size
}

func fingerprint(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func openDiskCache(dir string, limit int64) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	c := &diskCache{dir: dir, limit: limit}
	index, err := lru.NewWithEvict[string, int64](maxCacheEntries, func(key string, size int64) {
		c.used -= size
		os.Remove(c.path(key))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	c.index = index

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache dir: %w", err)
	}
	type existing struct {
		key  string
		size int64
		mod  int64
	}
	var found []existing
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, existing{key: e.Name(), size: info.Size(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod < found[j].mod })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range found {
		c.index.Add(f.key, f.size)
		c.used += f.size
	}
	c.shrink()
	return c, nil
}

func (c *diskCache) path(key string) string {
	return filepath.Join(c.dir, key)
}

func (c *diskCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index.Get(key); !ok {
		return nil, false
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		c.index.Remove(key)
		return nil, false
	}
	return data, true
}

// put stores data. Failures are logged and ignored: the cache never affects
// correctness.
func (c *diskCache) put(key string, data []byte) {
	size := int64(len(data))
	if size > c.limit {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index.Contains(key) {
		return
	}

	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		log.Printf("[Client] [WARN] Cache write failed: %v", err)
		return
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		log.Printf("[Client] [WARN] Cache write failed: %v", firstErr(werr, cerr))
		return
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		os.Remove(tmp.Name())
		log.Printf("[Client] [WARN] Cache write failed: %v", err)
		return
	}

	c.index.Add(key, size)
	c.used += size
	c.shrink()
}

// shrink evicts least recently used entries until under the byte limit.
// Caller holds mu.
func (c *diskCache) shrink() {
	for c.used > c.limit {
		if _, _, ok := c.index.RemoveOldest(); !ok {
			return
		}
	}
}

func (c *diskCache) size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
