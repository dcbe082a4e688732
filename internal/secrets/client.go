package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound signals the named secret does not exist. Callers must treat
// this distinctly from transport failures: a missing secret means the
// platform is not configured, not that the request should be retried.
var ErrNotFound = errors.New("secrets: not found")

// Client retrieves named configuration secrets (API keys, app ids) from the
// backend secrets endpoint. Values are cached for the process lifetime.
type Client interface {
	Get(ctx context.Context, name string) (string, error)
}

// HTTPClient is the default implementation against the secrets service.
type HTTPClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs a secrets client for the given base URL.
func NewHTTPClient(baseURL, serviceKey string, client *http.Client, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: client,
		logger:     logger,
		cache:      make(map[string]string),
	}
}

// Get resolves a secret by name, consulting the cache first.
func (c *HTTPClient) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("secrets: empty name")
	}

	c.mu.RLock()
	if v, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/secrets/"+name, nil)
	if err != nil {
		return "", fmt.Errorf("build secrets request: %w", err)
	}
	if c.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("secrets request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read secrets response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("secrets lookup failed: status=%d", resp.StatusCode)
	}

	var payload struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode secrets response: %w", err)
	}
	if strings.TrimSpace(payload.Value) == "" {
		return "", fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}

	c.mu.Lock()
	c.cache[name] = payload.Value
	c.mu.Unlock()

	c.logger.Debug("secret resolved", zap.String("name", name))
	return payload.Value, nil
}

// Static is an in-memory Client for tests and local development.
type Static map[string]string

// Get implements Client.
func (s Static) Get(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s: %w", name, ErrNotFound)
}
