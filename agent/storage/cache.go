package storage

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// cache is the in-process L1 in front of the hot reads: lead snapshots and
// per-stream sequence heads. Values are stored marshalled so cached entries
// are immutable.
type cache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

func newCache(maxCostBytes int64, ttl time.Duration) (*cache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 16 << 20
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &cache{c: c, ttl: ttl}, nil
}

func (c *cache) get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(key)
}

func (c *cache) set(key string, value []byte) {
	if c == nil {
		return
	}
	c.c.SetWithTTL(key, value, int64(len(value)), c.ttl)
}

func (c *cache) del(keys ...string) {
	if c == nil {
		return
	}
	for _, k := range keys {
		c.c.Del(k)
	}
}

func (c *cache) close() {
	if c != nil {
		c.c.Close()
	}
}

func leadKey(id string) string { return "lead:" + id }

func seqKey(leadID, role string) string { return "memseq:" + leadID + ":" + role }
