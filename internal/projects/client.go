package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Client fetches project configuration from the upstream configuration
// endpoint and caches snapshots for a TTL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *configCache
}

type configCache struct {
	mu      sync.RWMutex
	entries map[int64]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	config    *Config
	expiresAt time.Time
}

// NewClient constructs a config client against baseURL with the given
// request timeout and cache TTL.
func NewClient(baseURL string, timeout, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache: &configCache{
			entries: make(map[int64]*cacheEntry),
			ttl:     cacheTTL,
		},
	}
}

// GetProjectConfig returns the cached snapshot when fresh, otherwise
// fetches a new one. Errors are returned as-is; callers treat them as
// admission deferred.
func (c *Client) GetProjectConfig(ctx context.Context, projectID int64) (*Config, error) {
	if cached := c.cache.get(projectID); cached != nil {
		return cached, nil
	}

	url := fmt.Sprintf("%s/api/0/projects/%d/config/", c.baseURL, projectID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetch project config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch project config: unexpected status %d", resp.StatusCode)
	}

	var config Config
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode project config: %w", err)
	}
	if config.ProjectID == 0 {
		config.ProjectID = projectID
	}

	c.cache.set(projectID, &config)
	return &config, nil
}

func (cc *configCache) get(projectID int64) *Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	entry, ok := cc.entries[projectID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.config
}

func (cc *configCache) set(projectID int64, config *Config) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.entries[projectID] = &cacheEntry{
		config:    config,
		expiresAt: time.Now().Add(cc.ttl),
	}

	// Drop whatever has expired while we hold the lock.
	now := time.Now()
	for id, entry := range cc.entries {
		if now.After(entry.expiresAt) {
			delete(cc.entries, id)
		}
	}
}

// StaticProvider serves configuration from a fixed in-memory set, used in
// static operating mode and in tests.
type StaticProvider struct {
	mu      sync.RWMutex
	configs map[int64]*Config
}

// NewStaticProvider constructs a provider over the given configs.
func NewStaticProvider(configs ...*Config) *StaticProvider {
	p := &StaticProvider{configs: make(map[int64]*Config)}
	for _, cfg := range configs {
		p.configs[cfg.ProjectID] = cfg
	}
	return p
}

// Add registers or replaces a project's configuration.
func (p *StaticProvider) Add(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[cfg.ProjectID] = cfg
}

// GetProjectConfig returns the registered config or an error for unknown
// projects.
func (p *StaticProvider) GetProjectConfig(_ context.Context, projectID int64) (*Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.configs[projectID]
	if !ok {
		return nil, fmt.Errorf("unknown project %d", projectID)
	}
	return cfg, nil
}
