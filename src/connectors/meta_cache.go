package connectors

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

const defaultMetaTTL = 15 * time.Minute

type metaEntry struct {
	meta      *SymbolMeta
	fetchedAt time.Time
}

// MetaCache is a per-connector TTL cache for symbol trading filters.
// A stale entry is served when a refresh fails, so a flaky exchangeInfo
// endpoint does not block order quantization.
type MetaCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]metaEntry
}

func NewMetaCache(ttl time.Duration) *MetaCache {
	if ttl <= 0 {
		ttl = defaultMetaTTL
	}
	return &MetaCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]metaEntry),
	}
}

// Get returns the cached meta for symbol, refreshing through load when the
// entry is missing or expired. The check is repeated under the lock so
// concurrent callers trigger a single refresh.
func (c *MetaCache) Get(symbol string, load func(symbol string) (*SymbolMeta, error)) (*SymbolMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[symbol]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.meta, nil
	}

	meta, err := load(symbol)
	if err != nil {
		if ok {
			logger.WithFields(map[string]interface{}{
				"symbol": symbol,
				"age":    c.now().Sub(entry.fetchedAt).String(),
			}).WithError(err).Warn("symbol meta refresh failed, serving stale entry")
			return entry.meta, nil
		}
		return nil, err
	}

	c.entries[symbol] = metaEntry{meta: meta, fetchedAt: c.now()}
	return meta, nil
}

// Invalidate drops the cached entry for symbol.
func (c *MetaCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, symbol)
}
