package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/geekychris/secure-paste/svc/db"
	"github.com/geekychris/secure-paste/svc/util"
)

const (
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

// Limiter combines per-IP token buckets with an optional Redis fixed window
// shared across instances. Without Redis it degrades to local-only limiting.
type Limiter struct {
	rdb            *db.Redis
	trustedProxies []string
	localLimiters  map[string]*limiterEntry
	mu             sync.Mutex
	burstLimit     int
	globalRPM      int
	quit           chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(globalRPM, perIPBurst int, rdb *db.Redis, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else {
			if net.ParseIP(proxy) == nil {
				panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
			}
		}
	}
	l := &Limiter{
		rdb:            rdb,
		trustedProxies: trustedProxies,
		localLimiters:  make(map[string]*limiterEntry),
		burstLimit:     perIPBurst,
		globalRPM:      globalRPM,
		quit:           make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	l.mu.Lock()
	var evicted int
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) Stop() {
	close(l.quit)
}

// CheckLimit consults the shared Redis window first, falling back to the
// per-IP bucket when Redis is absent or unreachable.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	now := time.Now()
	if l.rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		usage, err := l.rdb.RateLimit(ctx, "ratelimit:"+endpoint+":"+ip, l.globalRPM, time.Minute)
		if err != nil {
			util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
			return l.checkLocal(ip, now)
		}
		remaining := l.globalRPM - usage
		if remaining < 0 {
			remaining = 0
		}
		return &RateLimitResult{
			Allowed:   usage <= l.globalRPM,
			Limit:     l.globalRPM,
			Remaining: remaining,
			Reset:     now.Add(time.Minute),
		}
	}
	return l.checkLocal(ip, now)
}

func (l *Limiter) checkLocal(ip string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	entry, ok := l.localLimiters[ip]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.globalRPM)/60.0), l.burstLimit),
		}
		l.localLimiters[ip] = entry
	}
	entry.lastAccess = now
	l.mu.Unlock()
	allowed := entry.limiter.Allow()
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     l.globalRPM,
		Remaining: remaining,
		Reset:     now.Add(time.Minute),
	}
}

// GetRealIP trusts X-Forwarded-For only when the immediate peer is a
// configured trusted proxy.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}
	if len(trustedProxies) == 0 || !ipTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	parts := strings.Split(xff, ",")
	candidate := strings.TrimSpace(parts[0])
	if net.ParseIP(candidate) == nil {
		return remoteIP
	}
	return candidate
}

func ipTrusted(ipStr string, trustedProxies []string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, cidr, err := net.ParseCIDR(proxy); err == nil && cidr.Contains(ip) {
				return true
			}
		} else if proxy == ipStr {
			return true
		}
	}
	return false
}
