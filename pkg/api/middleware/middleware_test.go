package middleware_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	. "orca/pkg/api/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func limiter(t *testing.T, config RateLimiterConfig) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRateLimiter(ctx, config)
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl := limiter(t, RateLimiterConfig{RequestsPerMinute: 10, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		if !rl.Allow("client1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
}

func TestRateLimiter_BlocksExcessRequests(t *testing.T) {
	rl := limiter(t, RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})

	rl.Allow("client1")
	rl.Allow("client1")
	if rl.Allow("client1") {
		t.Error("third request should be blocked after burst exhausted")
	}
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	rl := limiter(t, RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	rl.Allow("client1")
	if !rl.Allow("client2") {
		t.Error("different client should have separate quota")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := limiter(t, RateLimiterConfig{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})

	rl.Allow("client1")
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("client1") {
		t.Error("token should have refilled after waiting")
	}
}

func TestRateLimiterMiddleware_Returns429(t *testing.T) {
	rl := limiter(t, RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	router := gin.New()
	router.Use(rl.Middleware())
	router.POST("/jobs", func(c *gin.Context) { c.String(http.StatusAccepted, "ok") })

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("first request expected 202, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request expected 429, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestBodySizeLimit(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimit(16))
	router.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		c.String(http.StatusOK, string(body))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("small")))
	if w.Code != http.StatusOK || w.Body.String() != "small" {
		t.Errorf("small body: got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(make([]byte, 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: expected 413, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/id", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Body.String() != "abc-123" || w.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("expected propagated request ID, got body %q header %q", w.Body.String(), w.Header().Get("X-Request-ID"))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))
	if len(w.Body.String()) != 36 {
		t.Errorf("expected generated UUID request ID, got %q", w.Body.String())
	}
}

func TestSecurityHeadersAndLogger(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), SecurityHeaders(), RequestLogger(zap.NewNop()), Metrics())
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff header")
	}
}
