package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_RebuildTriggerIsTight(t *testing.T) {
	rl := NewRateLimitMiddleware(testLogger(t))
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	req := httptest.NewRequest("POST", "/admin/roster/rebuild", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimit_PerIPIsolation(t *testing.T) {
	rl := NewRateLimitMiddleware(testLogger(t))
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	first := httptest.NewRequest("POST", "/admin/roster/rebuild", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	other := httptest.NewRequest("POST", "/admin/roster/rebuild", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "a different client gets its own bucket")
}

func TestRateLimit_ReadsUseSeparateBudget(t *testing.T) {
	rl := NewRateLimitMiddleware(testLogger(t))
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	post := httptest.NewRequest("POST", "/admin/roster/rebuild", nil)
	post.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, post)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, post)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	get := httptest.NewRequest("GET", "/admin/roster", nil)
	get.RemoteAddr = "10.0.0.1:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_EvictsStaleLimiters(t *testing.T) {
	rl := NewRateLimitMiddleware(testLogger(t))
	defer rl.Stop()
	h := rl.Wrap(okHandler())

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl.nowFunc = func() time.Time { return now }

	req := httptest.NewRequest("GET", "/admin/roster", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 1, rl.LimiterCount())

	now = now.Add(staleLimiterTTL + time.Minute)
	rl.evictStale()
	assert.Zero(t, rl.LimiterCount())
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", extractClientIP(req))

	req.Header.Set("X-Real-IP", "172.16.0.9")
	assert.Equal(t, "172.16.0.9", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", extractClientIP(req))
}

func TestAuditMiddleware_PassesThrough(t *testing.T) {
	h := AuditMiddleware(testLogger(t), okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/roster/rebuild", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/roster", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
