package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ciphernotes/pkg/domain"
)

// MaxEntryAge bounds how long a record may be served from cache even when it
// never expires, so another instance's delete is observed eventually.
const MaxEntryAge = 5 * time.Minute

// LRU is a read cache in front of a persistent backend. Entries are copies;
// callers must invalidate on every mutation.
type LRU struct {
	c   *lru.Cache[string, item]
	mu  sync.Mutex
	now func() time.Time
}

type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

func (l *LRU) Get(ctx context.Context, id string) *domain.Paste {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.paste.Clone()
}

// Set caches p until its own expiry or MaxEntryAge, whichever is sooner.
// Records that are already expired are not cached.
func (l *LRU) Set(ctx context.Context, p *domain.Paste) {
	now := l.now()
	exp := now.Add(MaxEntryAge)
	if p.ExpiresAt != nil && p.ExpiresAt.Before(exp) {
		exp = *p.ExpiresAt
	}
	if !now.Before(exp) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.ID, item{paste: p.Clone(), exp: exp})
}

func (l *LRU) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
