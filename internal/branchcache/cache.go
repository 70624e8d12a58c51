// Package branchcache keeps each client's branch-scoped drafts locally so an
// in-progress buffer survives branch switches and reconnects, whether or not
// the save to the session store went through.
package branchcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"docdraft/internal/store"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "branchcache/"

// DB is the process-wide durable backing for every client's cache.
type DB struct {
	db *badger.DB
}

// OpenDB opens the cache database in dir. An empty dir keeps everything in
// memory.
func OpenDB(dir string) (*DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).
			WithSyncWrites(true).
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open branch cache: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

type Entry struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Captured is the buffer most recently saved by CaptureCurrentContent.
type Captured struct {
	Key     store.Key `json:"key"`
	Content string    `json:"content"`
}

// Cache is one client's map from (branch, file) to draft content. Reads are
// served from memory; every write goes through to the database.
type Cache struct {
	db     *badger.DB
	client string
	now    func() time.Time

	mu      sync.Mutex
	entries map[store.Key]Entry
	last    *Captured
}

// New returns a cache that lives only in memory.
func New() *Cache {
	return &Cache{
		now:     time.Now,
		entries: make(map[store.Key]Entry),
	}
}

// Cache loads the cache for clientID, including entries written by an
// earlier session of the same client.
func (d *DB) Cache(clientID string) (*Cache, error) {
	if clientID == "" || strings.Contains(clientID, "/") {
		return nil, fmt.Errorf("invalid cache client id %q", clientID)
	}
	c := New()
	c.db = d.db
	c.client = clientID

	prefix := []byte(c.entryPrefix())
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key, ok := c.decodeKey(string(item.Key()))
			if !ok {
				continue
			}
			var entry Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				return fmt.Errorf("decode cache entry %s: %w", key, err)
			}
			c.entries[key] = entry
		}

		item, err := txn.Get([]byte(c.lastKey()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var last Captured
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &last) }); err != nil {
			return fmt.Errorf("decode last captured: %w", err)
		}
		c.last = &last
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load branch cache for %s: %w", clientID, err)
	}
	return c, nil
}

func (c *Cache) entryPrefix() string {
	return keyPrefix + c.client + "/entry/"
}

func (c *Cache) lastKey() string {
	return keyPrefix + c.client + "/last"
}

// Branch names never contain ':' so the first one separates branch and path.
func (c *Cache) encodeKey(key store.Key) []byte {
	return []byte(c.entryPrefix() + key.Branch + ":" + key.FilePath)
}

func (c *Cache) decodeKey(raw string) (store.Key, bool) {
	rest, ok := strings.CutPrefix(raw, c.entryPrefix())
	if !ok {
		return store.Key{}, false
	}
	branch, path, ok := strings.Cut(rest, ":")
	if !ok {
		return store.Key{}, false
	}
	return store.Key{FilePath: path, Branch: branch}, true
}

func (c *Cache) GetContent(key store.Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry.Content, ok
}

func (c *Cache) Entry(key store.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetContent overwrites the entry for key. The in-memory value is updated
// even when persisting fails.
func (c *Cache) SetContent(key store.Key, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, Entry{Content: content, UpdatedAt: c.now()})
}

// CaptureCurrentContent stores a buffer that is about to be left behind. A
// blank buffer is ignored and reported as not captured.
func (c *Cache) CaptureCurrentContent(key store.Key, buffer string) (bool, error) {
	if strings.TrimSpace(buffer) == "" {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = &Captured{Key: key, Content: buffer}
	err := c.putLocked(key, Entry{Content: buffer, UpdatedAt: c.now()})
	if lastErr := c.persistLast(); err == nil {
		err = lastErr
	}
	return true, err
}

func (c *Cache) LastCaptured() (Captured, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Captured{}, false
	}
	return *c.last, true
}

// SetIfNewer stores content written elsewhere at updatedAt unless the local
// entry is more recent.
func (c *Cache) SetIfNewer(key store.Key, content string, updatedAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && entry.UpdatedAt.After(updatedAt) {
		return false, nil
	}
	return true, c.putLocked(key, Entry{Content: content, UpdatedAt: updatedAt})
}

// InvalidateIfOlder drops the entry for key when it predates updatedAt, so
// the next load goes to the session store.
func (c *Cache) InvalidateIfOlder(key store.Key, updatedAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !entry.UpdatedAt.Before(updatedAt) {
		return false, nil
	}
	return true, c.deleteLocked(key)
}

func (c *Cache) Delete(key store.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

func (c *Cache) putLocked(key store.Key, entry Entry) error {
	c.entries[key] = entry
	if c.db == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.encodeKey(key), payload)
	}); err != nil {
		return fmt.Errorf("persist cache entry %s: %w", key, err)
	}
	return nil
}

func (c *Cache) deleteLocked(key store.Key) error {
	delete(c.entries, key)
	if c.db == nil {
		return nil
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.encodeKey(key))
	}); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

func (c *Cache) persistLast() error {
	if c.db == nil || c.last == nil {
		return nil
	}
	payload, err := json.Marshal(c.last)
	if err != nil {
		return fmt.Errorf("encode last captured: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(c.lastKey()), payload)
	}); err != nil {
		return fmt.Errorf("persist last captured: %w", err)
	}
	return nil
}
