package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllow_PerIP(t *testing.T) {
	rl := NewRateLimiter(1000, 0.001, 2, 100)

	for i := 0; i < 2; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst", i)
		}
		rl.Done()
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other client rejected")
	}
}

func TestAllow_Concurrency(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 100, 1)

	if !rl.Allow("a") {
		t.Fatal("first request rejected")
	}
	if rl.Allow("b") {
		t.Error("second concurrent request allowed")
	}
	rl.Done()
	if !rl.Allow("b") {
		t.Error("request rejected after slot was released")
	}
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(1000, 0.001, 1, 10)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestMiddleware_ForwardedForIgnored(t *testing.T) {
	rl := NewRateLimiter(1000, 0.001, 1, 10)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	// A client rotating X-Forwarded-For still shares one bucket.
	codes := make([]int, 0, 3)
	for _, spoofed := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		req.Header.Set("X-Forwarded-For", spoofed)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"192.0.2.1:5555", "", false, "192.0.2.1"},
		{"192.0.2.1:5555", "203.0.113.7, 10.0.0.1", false, "192.0.2.1"},
		{"192.0.2.1:5555", "203.0.113.7, 10.0.0.1", true, "203.0.113.7"},
		{"192.0.2.1:5555", " , 10.0.0.1", true, "192.0.2.1"},
		{"192.0.2.1:5555", "", true, "192.0.2.1"},
		{"[2001:db8::1]:80", "", false, "2001:db8::1"},
		{"bogus", "", false, "bogus"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req, tt.trustProxy); got != tt.want {
			t.Errorf("clientIP(%q, %q, %v) = %q, want %q", tt.remote, tt.forwarded, tt.trustProxy, got, tt.want)
		}
	}
}

func TestSweep(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 10, 10)
	rl.Allow("old")
	rl.Done()
	rl.mu.Lock()
	rl.clients["old"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()
	rl.Allow("new")
	rl.Done()

	if n := rl.Sweep(time.Minute); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := rl.clients["new"]; !ok {
		t.Error("active client swept")
	}
}
