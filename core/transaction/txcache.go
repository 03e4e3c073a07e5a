package transaction

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds a transaction cache when no size is configured.
const DefaultCacheSize = 10000

// TxCache is a transaction-scoped cache of values keyed by entity+pk.
// In read-only mode writes evict the key instead of caching the new value.
type TxCache struct {
	entries  *lru.Cache[string, any]
	readOnly bool
}

// NewTxCache creates a cache holding at most size entries.
func NewTxCache(size int, readOnly bool) (*TxCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &TxCache{entries: entries, readOnly: readOnly}, nil
}

func (c *TxCache) ReadOnly() bool { return c.readOnly }

func (c *TxCache) Get(key string) (any, bool) { return c.entries.Get(key) }

// PutRead caches a value read from the datastore.
func (c *TxCache) PutRead(key string, value any) { c.entries.Add(key, value) }

// RecordWrite records a value written in this transaction.
func (c *TxCache) RecordWrite(key string, value any) {
	if c.readOnly {
		c.entries.Remove(key)
		return
	}
	c.entries.Add(key, value)
}

func (c *TxCache) Remove(key string) { c.entries.Remove(key) }

func (c *TxCache) Len() int { return c.entries.Len() }

func (c *TxCache) purge() { c.entries.Purge() }
