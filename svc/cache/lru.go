package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/geekychris/secure-paste/pkg/domain"
)

// LRU keeps recently read paste records in process. Entries carry their own
// deadline; expiry and access gating are still re-checked by the caller.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
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
	return &LRU{c: c}, nil
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
	if time.Now().After(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.paste
}

// Set stores a copy for ttl; pastes without expiry get the default ttl so
// stale copies age out even when nothing invalidates them.
func (l *LRU) Set(ctx context.Context, p *domain.Paste, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *p
	l.c.Add(p.ID, item{
		paste: &cp,
		exp:   time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}

func (l *LRU) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Purge()
}
