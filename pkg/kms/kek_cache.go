package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ciphernotes/svc/util"
)

// KEKCache keeps unwrapped DEKs for a short TTL so that hot pastes do not
// round-trip to the KMS on every read. Concurrent misses for the same
// wrapped DEK share one KMS call.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// DecryptDEK returns a copy of the unwrapped key. Callers own the copy and
// should wipe it when done.
func (c *KEKCache) DecryptDEK(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	key := cacheKey(wrapped, encContext)
	if dek, ok := c.lookup(key); ok {
		return dek, nil
	}
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.lookup(key); ok {
			return dek, nil
		}
		dek, err := c.adapter.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(key, int64(c.ttl/10/time.Millisecond))
		c.cache.Store(key, &cachedDEK{
			dek:       dek,
			expiresAt: time.Now().Add(c.ttl).Add(jitter),
		})
		return copyBytes(dek), nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight hands the same slice to every waiter.
	return copyBytes(result.([]byte)), nil
}

func (c *KEKCache) lookup(key string) ([]byte, bool) {
	v, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(*cachedDEK)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.dek == nil || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return copyBytes(entry.dek), true
}

func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(encContext.bytes())
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitterMillis int64) time.Duration {
	if maxJitterMillis <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMillis) * time.Millisecond
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if n := c.evictExpired(); n > 0 {
				util.Debug().Int("evicted", n).Msg("kek cache eviction")
			}
		}
	}
}

func (c *KEKCache) evictExpired() int {
	now := time.Now()
	n := 0
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			util.Wipe(entry.dek)
			entry.dek = nil
			c.cache.Delete(key)
			n++
		}
		entry.mu.Unlock()
		return true
	})
	return n
}

// Stop halts eviction and wipes every cached key.
func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		util.Wipe(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func (c *KEKCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedDEK)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
