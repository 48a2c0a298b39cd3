package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/accountmarket/internal/auth"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func allowed(l *Limiter, class Class, key string) bool {
	ok, _ := l.Take(class, key)
	return ok
}

func TestTake_Burst(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Reads: Budget{PerMinute: 60, Burst: 3}})

	for i := 0; i < 3; i++ {
		assert.True(t, allowed(l, ClassRead, "viewer:buyer"), "request %d should be allowed", i)
	}
	assert.False(t, allowed(l, ClassRead, "viewer:buyer"), "burst exhausted")
	assert.True(t, allowed(l, ClassRead, "viewer:seller"), "viewers have separate buckets")
}

func TestTake_ClassesAreSeparate(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Reads:   Budget{PerMinute: 60, Burst: 1},
		Actions: Budget{PerMinute: 6, Burst: 1},
	})

	require.True(t, allowed(l, ClassRead, "viewer:buyer"))
	require.False(t, allowed(l, ClassRead, "viewer:buyer"))
	assert.True(t, allowed(l, ClassAction, "viewer:buyer"), "page loads do not spend the action budget")
	assert.False(t, allowed(l, ClassAction, "viewer:buyer"))
}

func TestTake_Replenishes(t *testing.T) {
	l, now := newTestLimiter(t, Config{Actions: Budget{PerMinute: 6, Burst: 1}})

	require.True(t, allowed(l, ClassAction, "viewer:buyer"))
	ok, wait := l.Take(ClassAction, "viewer:buyer")
	require.False(t, ok)
	assert.Equal(t, 10*time.Second, wait)

	// a rejected take does not push the next token further out
	_, wait = l.Take(ClassAction, "viewer:buyer")
	assert.Equal(t, 10*time.Second, wait)

	*now = now.Add(10 * time.Second)
	assert.True(t, allowed(l, ClassAction, "viewer:buyer"))
}

func TestSweep(t *testing.T) {
	l, now := newTestLimiter(t, Config{Reads: Budget{PerMinute: 60, Burst: 1}, IdleTTL: time.Minute})

	l.Take(ClassRead, "viewer:buyer")
	*now = now.Add(30 * time.Second)
	l.Take(ClassAction, "viewer:buyer")
	*now = now.Add(45 * time.Second)
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
	assert.Contains(t, l.buckets, bucketKey{ClassAction, "viewer:buyer"})
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassRead, ClassOf(http.MethodGet))
	assert.Equal(t, ClassRead, ClassOf(http.MethodOptions))
	assert.Equal(t, ClassAction, ClassOf(http.MethodPost))
	assert.Equal(t, ClassAction, ClassOf(http.MethodPatch))
}

func TestFromRPS(t *testing.T) {
	cfg := FromRPS(100)
	assert.Equal(t, Budget{PerMinute: 6000, Burst: 100}, cfg.Reads)
	assert.Equal(t, Budget{PerMinute: 600, Burst: 10}, cfg.Actions)

	low := FromRPS(1)
	assert.Equal(t, DefaultConfig().Actions, low.Actions, "actions never drop below the defaults")

	assert.Equal(t, DefaultConfig(), FromRPS(0))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{
		Reads:   Budget{PerMinute: 60, Burst: 1},
		Actions: Budget{PerMinute: 6, Burst: 1},
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyViewer, auth.Viewer{ID: id})
		}
	})
	r.Use(l.Middleware())
	r.GET("/v1/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/orders/:id/confirm", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/orders/ord_1", "buyer").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodGet, "/v1/orders/ord_1", "buyer").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/v1/orders/ord_1/confirm", "buyer").Code)

	w := do(http.MethodPost, "/v1/orders/ord_1/confirm", "buyer")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"retry_after":10`)

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/orders/ord_1", "seller").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/orders/ord_1", "").Code, "anonymous keyed by IP")
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodGet, "/v1/orders/ord_1", "").Code)
}
