package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowBurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		Burst:             5,
		SweepInterval:     time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("agent-1") {
			t.Fatalf("request %d within burst was denied", i)
		}
	}
	if limiter.Allow("agent-1") {
		t.Error("request past the burst was allowed")
	}
}

func TestAllowRefills(t *testing.T) {
	// 600/min refills at 10 tokens per second.
	limiter := New(Config{
		RequestsPerMinute: 600,
		Burst:             1,
		SweepInterval:     time.Minute,
	})
	defer limiter.Stop()

	if !limiter.Allow("agent-1") {
		t.Fatal("first request was denied")
	}
	if limiter.Allow("agent-1") {
		t.Fatal("second immediate request was allowed")
	}

	time.Sleep(120 * time.Millisecond)

	if !limiter.Allow("agent-1") {
		t.Error("request after refill window was denied")
	}
}

func TestCallersAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		Burst:             2,
		SweepInterval:     time.Minute,
	})
	defer limiter.Stop()

	limiter.Allow("agent-a")
	limiter.Allow("agent-a")
	if limiter.Allow("agent-a") {
		t.Error("exhausted caller was allowed")
	}
	if !limiter.Allow("agent-b") {
		t.Error("fresh caller was denied")
	}
}

func TestMiddlewareKeysOnBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerMinute: 60,
		Burst:             1,
		SweepInterval:     time.Minute,
	})
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := do("sk_one"); w.Code != http.StatusOK {
		t.Fatalf("first request for sk_one: got %d", w.Code)
	}
	if w := do("sk_one"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request for sk_one: got %d, want 429", w.Code)
	} else if w.Header().Get("Retry-After") == "" {
		t.Error("throttled response is missing Retry-After")
	}

	// A different credential from the same client IP has its own bucket.
	if w := do("sk_two"); w.Code != http.StatusOK {
		t.Errorf("first request for sk_two: got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("RequestsPerMinute = %d, want 120", cfg.RequestsPerMinute)
	}
	if cfg.Burst != 20 {
		t.Errorf("Burst = %d, want 20", cfg.Burst)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
}
