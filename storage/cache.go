package storage

import (
	"errors"
	"sync"
)

var errCacheClosed = errors.New("storage: cache parent not configured")

// CacheDB buffers writes on top of a parent database until Commit is called.
// Reads observe buffered writes first. Commit applies every pending write in a
// single batch when the parent supports it, which gives a caller whole-call
// atomicity: either all writes of the call land or none do.
type CacheDB struct {
	mu      sync.Mutex
	parent  Database
	puts    map[string][]byte
	deletes map[string]struct{}
}

// NewCacheDB wraps parent with a write buffer.
func NewCacheDB(parent Database) *CacheDB {
	return &CacheDB{
		parent:  parent,
		puts:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (c *CacheDB) Put(key []byte, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	delete(c.deletes, k)
	c.puts[k] = append([]byte(nil), value...)
	return nil
}

func (c *CacheDB) Get(key []byte) ([]byte, error) {
	c.mu.Lock()
	k := string(key)
	if _, deleted := c.deletes[k]; deleted {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if value, ok := c.puts[k]; ok {
		c.mu.Unlock()
		return append([]byte(nil), value...), nil
	}
	parent := c.parent
	c.mu.Unlock()
	if parent == nil {
		return nil, errCacheClosed
	}
	return parent.Get(key)
}

func (c *CacheDB) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	delete(c.puts, k)
	c.deletes[k] = struct{}{}
	return nil
}

// Pending reports the number of buffered writes.
func (c *CacheDB) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.puts) + len(c.deletes)
}

// Commit flushes buffered writes to the parent and resets the buffer. When the
// parent cannot batch, writes are applied one by one.
func (c *CacheDB) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parent == nil {
		return errCacheClosed
	}
	if len(c.puts) == 0 && len(c.deletes) == 0 {
		return nil
	}
	if batcher, ok := c.parent.(Batcher); ok {
		if err := batcher.WriteBatch(c.puts, c.deletes); err != nil {
			return err
		}
	} else {
		for key := range c.deletes {
			if err := c.parent.Delete([]byte(key)); err != nil {
				return err
			}
		}
		for key, value := range c.puts {
			if err := c.parent.Put([]byte(key), value); err != nil {
				return err
			}
		}
	}
	c.reset()
	return nil
}

// Discard drops every buffered write.
func (c *CacheDB) Discard() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}

func (c *CacheDB) reset() {
	c.puts = make(map[string][]byte)
	c.deletes = make(map[string]struct{})
}

// Close discards pending writes. The parent is owned by the caller.
func (c *CacheDB) Close() {
	c.Discard()
}
