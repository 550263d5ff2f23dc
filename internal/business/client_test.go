package business

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"call-orchestrator/internal/config"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]string
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]string{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.sets++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCallsConfig() config.CallsConfig {
	return config.CallsConfig{MaxConcurrent: 5, CallTimeout: 5 * time.Minute}
}

func TestClientFetchesAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/profile" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Acme","greeting_script":"Hi from Acme","max_concurrent_calls":3,"call_timeout_seconds":120}`))
	}))
	defer srv.Close()

	cache := newMemoryCache()
	c := NewClient(config.BusinessConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, testCallsConfig(), cache, discardLogger())

	p := c.GetProfile(context.Background())
	if p.GreetingScript != "Hi from Acme" {
		t.Fatalf("expected fetched greeting, got %q", p.GreetingScript)
	}
	if p.MaxConcurrentCalls != 3 {
		t.Fatalf("expected cap 3, got %d", p.MaxConcurrentCalls)
	}

	p = c.GetProfile(context.Background())
	if p.GreetingScript != "Hi from Acme" {
		t.Fatalf("expected cached greeting, got %q", p.GreetingScript)
	}
	if hits != 1 {
		t.Fatalf("expected one upstream hit, got %d", hits)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache write, got %d", cache.sets)
	}
}

func TestClientFallsBackToDefaultsOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.BusinessConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, testCallsConfig(), newMemoryCache(), discardLogger())

	p := c.GetProfile(context.Background())
	if p.MaxConcurrentCalls != 5 {
		t.Fatalf("expected default cap, got %d", p.MaxConcurrentCalls)
	}
	if p.GreetingScript == "" {
		t.Fatalf("expected default greeting")
	}
}

func TestClientUnconfiguredUsesDefaults(t *testing.T) {
	c := NewClient(config.BusinessConfig{CacheTTL: time.Minute}, testCallsConfig(), newMemoryCache(), discardLogger())
	p := c.GetProfile(context.Background())
	if p != c.Defaults() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestClientFillsPartialProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Acme"}`))
	}))
	defer srv.Close()

	c := NewClient(config.BusinessConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, testCallsConfig(), newMemoryCache(), discardLogger())
	p := c.GetProfile(context.Background())
	if p.GreetingScript == "" || p.MaxConcurrentCalls != 5 || p.CallTimeoutSeconds != 300 {
		t.Fatalf("expected defaults filled in, got %+v", p)
	}
	if p.Name != "Acme" {
		t.Fatalf("expected fetched name, got %q", p.Name)
	}
}
