package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/queue"
)

// Client handles HTTP communication with the upstream API
type Client struct {
	baseURL      string
	healthPath   string
	deviceName   string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *loggy.Logger
	settingsRepo config.SettingsRepository

	mu    gosync.RWMutex
	token string
}

// NewClient creates a new HTTP client for server communication
func NewClient(cfg config.ServerConfig, logger *loggy.Logger) *Client {
	// Create HTTP client with custom transport for connection pooling
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		healthPath: cfg.HealthPath,
		deviceName: cfg.DeviceName,
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

// HTTPClient returns the underlying *http.Client, shared with the router
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SetSettingsRepository sets the settings repository for the client
func (c *Client) SetSettingsRepository(repo config.SettingsRepository) {
	c.settingsRepo = repo
}

// GetToken returns the current token, checking the settings repository if available
func (c *Client) GetToken() string {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token != "" || c.settingsRepo == nil {
		return token
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stored, err := c.settingsRepo.GetSetting(ctx, config.KeyServerToken)
	if err != nil {
		c.logger.Warn("Failed to get token from settings, using cached token", "error", err)
		return token
	}
	if stored != "" {
		c.SetToken(stored)
	}
	return stored
}

// APIError represents an error response from the API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// HTTPStatus returns the response status code
func (e APIError) HTTPStatus() int {
	return e.StatusCode
}

// Mutation is one write sent upstream
type Mutation struct {
	Operation queue.Operation
	Table     queue.Table
	EntityID  string
	Payload   json.RawMessage
	// IdempotencyKey lets the server drop replays of the same write
	IdempotencyKey string
}

// MutationFromItem builds the upstream request for a queued item
func MutationFromItem(item *queue.Item) Mutation {
	return Mutation{
		Operation:      item.Operation,
		Table:          item.Table,
		EntityID:       item.EntityID,
		Payload:        item.Payload,
		IdempotencyKey: item.ID,
	}
}

// Apply sends m to the server: create→POST /sync/{table},
// update→PUT /sync/{table}/{id}, delete→DELETE /sync/{table}/{id}
func (c *Client) Apply(ctx context.Context, m Mutation) error {
	var method, endpoint string
	var body []byte

	switch m.Operation {
	case queue.OpCreate:
		method = http.MethodPost
		endpoint = fmt.Sprintf("%s/sync/%s", c.baseURL, m.Table)
		body = m.Payload
	case queue.OpUpdate:
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/sync/%s/%s", c.baseURL, m.Table, url.PathEscape(m.EntityID))
		body = m.Payload
	case queue.OpDelete:
		method = http.MethodDelete
		endpoint = fmt.Sprintf("%s/sync/%s/%s", c.baseURL, m.Table, url.PathEscape(m.EntityID))
	default:
		return fmt.Errorf("%w: %q", queue.ErrInvalidPayload, m.Operation)
	}

	return c.sendRequest(ctx, method, endpoint, body, m.IdempotencyKey)
}

// Health probes the upstream health endpoint. Any response below 500 means
// the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 {
		return APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

// sendRequest is a helper function to send requests to the API
func (c *Client) sendRequest(ctx context.Context, method, url string, body []byte, idempotencyKey string) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	// Get latest token and add auth headers
	if token := c.GetToken(); token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.deviceName != "" {
		req.Header.Set("X-Device-Name", c.deviceName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiErr); err != nil {
			apiErr.Message = resp.Status
		}
		// the body may carry its own status_code; the response line wins
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	c.logger.Debug("Upstream accepted mutation", "method", method, "url", url, "status", resp.StatusCode)
	return nil
}
