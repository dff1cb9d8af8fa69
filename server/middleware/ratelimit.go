package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginKeyPrefix = "idlewatch:login:"

// LoginWindow is a fixed-window attempt counter keyed by client address.
// It guards the login endpoint against credential stuffing.
type LoginWindow interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisWindow counts attempts in Redis so the limit holds across server
// nodes.
type RedisWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisWindow(client *redis.Client, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{client: client, limit: limit, window: window}
}

func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	k := loginKeyPrefix + key
	n, err := w.client.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		// First attempt opens the window.
		w.client.Expire(ctx, k, w.window)
	}
	return n <= int64(w.limit), nil
}

// MemoryWindow is the single-node fallback.
type MemoryWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string]*windowEntry
}

type windowEntry struct {
	count int
	start time.Time
}

func NewMemoryWindow(limit int, window time.Duration) *MemoryWindow {
	return &MemoryWindow{limit: limit, window: window, hits: make(map[string]*windowEntry)}
}

func (w *MemoryWindow) Allow(ctx context.Context, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if len(w.hits) > 10000 {
		for k, e := range w.hits {
			if now.Sub(e.start) >= w.window {
				delete(w.hits, k)
			}
		}
	}

	e := w.hits[key]
	if e == nil || now.Sub(e.start) >= w.window {
		w.hits[key] = &windowEntry{count: 1, start: now}
		return true, nil
	}
	e.count++
	return e.count <= w.limit, nil
}

// ClientIP extracts the caller address, honoring the first proxy hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
