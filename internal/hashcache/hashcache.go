// Package hashcache provides cheap content identity for files. Hashes are
// SHA-256 and are cached keyed by path; a cache entry is valid only while the
// file's modification time matches what was recorded, so a touched file is
// always rehashed. The cache document is rewritten atomically (write a temp
// file, then rename) so concurrent readers never observe a partial write.
package hashcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Entry is one cached (mtime, hash) pair for a path.
type Entry struct {
	// ModTimeNS is the file's modification time in Unix nanoseconds at the
	// moment the hash was computed.
	ModTimeNS int64 `json:"mtime_ns"`

	// Hash is the hex-encoded SHA-256 of the file contents.
	Hash string `json:"hash"`
}

// Cache is a persistent path -> content-hash cache.
type Cache struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
	loaded  bool
	dirty   bool
}

// New creates a cache persisted at path. The backing file is loaded lazily on
// first use; a missing file is an empty cache, not an error.
func New(path string) *Cache {
	return &Cache{path: path, entries: make(map[string]Entry)}
}

// Hash returns the content hash for path. The cached value is returned when
// the file's modification time matches the cache entry; otherwise the hash is
// recomputed and the cache updated and flushed atomically. An unreadable or
// missing file returns an error: callers must treat that as "cannot determine
// change status", never as "unchanged".
func (c *Cache) Hash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("hashcache: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("hashcache: %s is a directory", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(); err != nil {
		return "", err
	}

	mtime := info.ModTime().UnixNano()
	if entry, ok := c.entries[path]; ok && entry.ModTimeNS == mtime {
		return entry.Hash, nil
	}

	sum, err := hashFile(path)
	if err != nil {
		return "", err
	}

	c.entries[path] = Entry{ModTimeNS: mtime, Hash: sum}
	c.dirty = true
	if err := c.flushLocked(); err != nil {
		return "", err
	}
	return sum, nil
}

// Identical reports whether two files have identical content. Sizes are
// compared first because a mismatch is the common case and hashing is
// comparatively expensive; hashes are only computed when sizes agree.
func (c *Cache) Identical(pathA, pathB string) (bool, error) {
	infoA, err := os.Stat(pathA)
	if err != nil {
		return false, fmt.Errorf("hashcache: stat %s: %w", pathA, err)
	}
	infoB, err := os.Stat(pathB)
	if err != nil {
		return false, fmt.Errorf("hashcache: stat %s: %w", pathB, err)
	}

	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	hashA, err := c.Hash(pathA)
	if err != nil {
		return false, err
	}
	hashB, err := c.Hash(pathB)
	if err != nil {
		return false, err
	}
	return hashA == hashB, nil
}

// Forget drops the cache entry for path, if any.
func (c *Cache) Forget(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(); err != nil {
		return err
	}
	if _, ok := c.entries[path]; !ok {
		return nil
	}
	delete(c.entries, path)
	c.dirty = true
	return c.flushLocked()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return 0
	}
	return len(c.entries)
}

// HashUncached computes a file's SHA-256 without consulting or updating any
// cache. Verification paths that must not trust potentially stale cache
// entries use this.
func HashUncached(path string) (string, error) {
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashcache: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashcache: reading %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// loadLocked reads the backing file on first use. A corrupt cache document is
// discarded and rebuilt rather than failing the run: the cache is an
// optimization, not ground truth.
func (c *Cache) loadLocked() error {
	if c.loaded {
		return nil
	}
	c.loaded = true

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("hashcache: reading cache %s: %w", c.path, err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.entries = make(map[string]Entry)
		return nil
	}
	c.entries = entries
	return nil
}

// flushLocked rewrites the cache file atomically: marshal to a temp file in
// the same directory, fsync, then rename over the old document.
func (c *Cache) flushLocked() error {
	if !c.dirty {
		return nil
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("hashcache: marshaling cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("hashcache: creating cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hashcache-*")
	if err != nil {
		return fmt.Errorf("hashcache: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("hashcache: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("hashcache: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("hashcache: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("hashcache: replacing cache file: %w", err)
	}

	c.dirty = false
	return nil
}
