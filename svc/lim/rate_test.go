package lim

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetRealIPWithoutProxies(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4711"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	if ip := GetRealIP(r, nil); ip != "203.0.113.7" {
		t.Errorf("ip = %q, want peer address when no proxies are trusted", ip)
	}
}

func TestGetRealIPFromTrustedProxy(t *testing.T) {
	trusted := []string{"203.0.113.7"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4711"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	if ip := GetRealIP(r, trusted); ip != "198.51.100.9" {
		t.Errorf("ip = %q, want first forwarded hop", ip)
	}
}

func TestGetRealIPTrustedCIDR(t *testing.T) {
	trusted := []string{"10.0.0.0/8"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:80"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	if ip := GetRealIP(r, trusted); ip != "198.51.100.9" {
		t.Errorf("ip = %q", ip)
	}
}

func TestGetRealIPIgnoresGarbageHeader(t *testing.T) {
	trusted := []string{"203.0.113.7"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4711"
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	if ip := GetRealIP(r, trusted); ip != "203.0.113.7" {
		t.Errorf("ip = %q, want fallback to peer", ip)
	}
}

func TestGetRealIPUntrustedPeerCannotSpoof(t *testing.T) {
	trusted := []string{"10.0.0.0/8"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4711"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	if ip := GetRealIP(r, trusted); ip != "203.0.113.7" {
		t.Errorf("ip = %q, forwarded header honored from untrusted peer", ip)
	}
}

func TestLocalLimiterEnforcesBurst(t *testing.T) {
	l := New(60, 3, nil, nil)
	defer l.Stop()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:1234"

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.CheckLimit(r, "read").Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want burst of 3", allowed)
	}
}

func TestLocalLimiterIsolatesClients(t *testing.T) {
	l := New(60, 1, nil, nil)
	defer l.Stop()

	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.RemoteAddr = "192.0.2.10:1"
	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.RemoteAddr = "192.0.2.11:1"

	if !l.CheckLimit(a, "read").Allowed {
		t.Fatal("first request from a denied")
	}
	if l.CheckLimit(a, "read").Allowed {
		t.Error("second request from a allowed past burst")
	}
	if !l.CheckLimit(b, "read").Allowed {
		t.Error("b throttled by a's usage")
	}
}

func TestNewPanicsOnBadProxyConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on invalid proxy entry")
		}
	}()
	New(60, 1, nil, []string{"not-an-ip"})
}
