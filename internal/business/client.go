package business

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"call-orchestrator/internal/config"
)

// Profile is the slice of the business service's data the orchestrator needs:
// what to say when a call is answered, and how aggressively to dial.
type Profile struct {
	Name               string `json:"name"`
	GreetingScript     string `json:"greeting_script"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
	CallTimeoutSeconds int    `json:"call_timeout_seconds"`
}

// Cache is the small cache surface the client needs. Redis in production,
// an in-memory map in tests.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisCache adapts go-redis to the Cache interface.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Client fetches the business profile over HTTP with a cache in front.
//
// The business service being down must never block call handling, so lookup
// failures degrade to config-derived defaults rather than returning an error.
type Client struct {
	baseURL    string
	cacheTTL   time.Duration
	defaults   Profile
	httpClient *http.Client
	cache      Cache
	log        *slog.Logger
}

const profileCacheKey = "business:profile"

func NewClient(cfg config.BusinessConfig, callsCfg config.CallsConfig, cache Cache, log *slog.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		cacheTTL: cfg.CacheTTL,
		defaults: Profile{
			GreetingScript:     "Hello, thank you for taking our call.",
			MaxConcurrentCalls: callsCfg.MaxConcurrent,
			CallTimeoutSeconds: int(callsCfg.CallTimeout / time.Second),
		},
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      cache,
		log:        log,
	}
}

// Defaults returns the profile used when the business service is not
// configured or unreachable.
func (c *Client) Defaults() Profile {
	return c.defaults
}

// GetProfile returns the current business profile. Cache first, then the
// business service, then defaults. It never returns an error to the caller;
// failures are logged and absorbed.
func (c *Client) GetProfile(ctx context.Context) Profile {
	if c.baseURL == "" {
		return c.defaults
	}

	if cached, ok, err := c.cache.Get(ctx, profileCacheKey); err != nil {
		c.log.Warn("business profile cache read failed", slog.String("error", err.Error()))
	} else if ok {
		var p Profile
		if err := json.Unmarshal([]byte(cached), &p); err == nil {
			return c.withDefaults(p)
		}
		c.log.Warn("business profile cache entry corrupt, refetching")
	}

	p, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn("business profile fetch failed, using defaults", slog.String("error", err.Error()))
		return c.defaults
	}

	if raw, err := json.Marshal(p); err == nil {
		if err := c.cache.Set(ctx, profileCacheKey, string(raw), c.cacheTTL); err != nil {
			c.log.Warn("business profile cache write failed", slog.String("error", err.Error()))
		}
	}
	return c.withDefaults(p)
}

func (c *Client) fetch(ctx context.Context) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/profile", nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("business: profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return Profile{}, fmt.Errorf("business: profile returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("business: decode profile: %w", err)
	}
	return p, nil
}

// withDefaults fills gaps in a fetched profile so callers never see a zero
// greeting or a zero cap.
func (c *Client) withDefaults(p Profile) Profile {
	if strings.TrimSpace(p.GreetingScript) == "" {
		p.GreetingScript = c.defaults.GreetingScript
	}
	if p.MaxConcurrentCalls <= 0 {
		p.MaxConcurrentCalls = c.defaults.MaxConcurrentCalls
	}
	if p.CallTimeoutSeconds <= 0 {
		p.CallTimeoutSeconds = c.defaults.CallTimeoutSeconds
	}
	return p
}
