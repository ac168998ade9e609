package cache

import (
	"context"
	"testing"
	"time"

	"github.com/geekychris/secure-paste/pkg/domain"
)

func TestLRUSetGet(t *testing.T) {
	l, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p := &domain.Paste{ID: "abc", Title: "t", Content: "c"}
	l.Set(ctx, p, time.Minute)
	got := l.Get(ctx, "abc")
	if got == nil {
		t.Fatal("cached paste not found")
	}
	if got.Title != "t" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestLRUStoresCopy(t *testing.T) {
	l, _ := NewLRU(10)
	ctx := context.Background()
	p := &domain.Paste{ID: "abc", Title: "original"}
	l.Set(ctx, p, time.Minute)
	p.Title = "mutated"
	got := l.Get(ctx, "abc")
	if got.Title != "original" {
		t.Errorf("cache returned mutated copy: %q", got.Title)
	}
}

func TestLRUEntryExpiry(t *testing.T) {
	l, _ := NewLRU(10)
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "abc"}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if got := l.Get(ctx, "abc"); got != nil {
		t.Error("expired entry still served")
	}
}

func TestLRUNonPositiveTTLIsNoop(t *testing.T) {
	l, _ := NewLRU(10)
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "abc"}, 0)
	if got := l.Get(ctx, "abc"); got != nil {
		t.Error("zero-ttl entry was cached")
	}
}

func TestLRUDelete(t *testing.T) {
	l, _ := NewLRU(10)
	ctx := context.Background()
	l.Set(ctx, &domain.Paste{ID: "abc"}, time.Minute)
	l.Delete("abc")
	if got := l.Get(ctx, "abc"); got != nil {
		t.Error("deleted entry still served")
	}
}

func TestNewLRURejectsBadSizes(t *testing.T) {
	if _, err := NewLRU(0); err == nil {
		t.Error("size 0 accepted")
	}
	if _, err := NewLRU(100001); err == nil {
		t.Error("oversized cache accepted")
	}
}
