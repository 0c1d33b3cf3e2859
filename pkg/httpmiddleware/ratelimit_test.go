package httpmiddleware

import (
	"context"
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

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func hit(h http.Handler, remoteAddr string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func newLimited(t *testing.T, cfg RateLimitConfig) (http.Handler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return RateLimit(ctx, cfg)(okHandler()), clock
}

func TestRateLimit_OverLimit(t *testing.T) {
	h, _ := newLimited(t, RateLimitConfig{Max: 2, Window: time.Minute})

	for i := range 2 {
		w := hit(h, "10.0.0.1:9999", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, []string{"1", "0"}[i], w.Header().Get("X-RateLimit-Remaining"))
	}

	w := hit(h, "10.0.0.1:9999", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":429,"message":"rate limit exceeded"}`, w.Body.String())
}

func TestRateLimit_PerClient(t *testing.T) {
	h, _ := newLimited(t, RateLimitConfig{Max: 1, Window: time.Minute})

	tests := []struct {
		name   string
		remote string
		header map[string]string
	}{
		{name: "remote addr", remote: "10.0.0.1:1"},
		{name: "other remote addr", remote: "10.0.0.2:1"},
		{name: "forwarded", remote: "10.0.0.1:1", header: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}},
		{name: "real ip", remote: "10.0.0.1:1", header: map[string]string{"X-Real-IP": "198.51.100.3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, hit(h, tt.remote, tt.header).Code)
			assert.Equal(t, http.StatusTooManyRequests, hit(h, tt.remote, tt.header).Code)
		})
	}
}

func TestRateLimit_SlidingWindow(t *testing.T) {
	h, clock := newLimited(t, RateLimitConfig{Max: 4, Window: time.Minute})

	for range 4 {
		require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:1", nil).Code)

	// Halfway into the next window half of the previous count still applies.
	clock.now = clock.now.Add(90 * time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", nil).Code)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:1", nil).Code)

	// Two idle windows clear the history.
	clock.now = clock.now.Add(3 * time.Minute)
	for range 4 {
		assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", nil).Code)
	}
}

func TestRateLimit_Skip(t *testing.T) {
	h, _ := newLimited(t, RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		Skip:   func(r *http.Request) bool { return r.URL.Path == "/api/orders" },
	})
	for range 3 {
		w := hit(h, "10.0.0.1:1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler())
	for range 10 {
		assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", nil).Code)
	}
}

func TestLimiter_Evict(t *testing.T) {
	start := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{Max: 5, Window: time.Minute})
	l.take("a", start)
	l.take("b", start.Add(time.Minute))
	require.Equal(t, 2, l.size())

	l.evict(start.Add(2 * time.Minute))
	assert.Equal(t, 1, l.size())
}
