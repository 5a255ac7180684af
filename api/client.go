// Package api provides the HTTP client for the QHarbor dataset server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"qharbor/sync-agent/config"
)

// ErrNotFound is returned when the server reports a missing resource.
var ErrNotFound = errors.New("not found")

// Client is the API client for the dataset server.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	baseURL    string
	mu         sync.RWMutex

	// Token refresh callback
	onTokenRefresh func(accessToken, refreshToken string)
}

// NewClient creates a new API client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:      10,
				IdleConnTimeout:   90 * time.Second,
				DisableKeepAlives: false,
				MaxConnsPerHost:   10,
			},
		},
		baseURL: cfg.GetServerURL(),
	}
}

// NewClientWithBase creates a client against an explicit base URL. Used for
// the local cache server in live mode and in tests.
func NewClientWithBase(cfg *config.Config, baseURL string) *Client {
	c := NewClient(cfg)
	c.baseURL = baseURL
	return c
}

// SetTokenRefreshCallback sets the callback for token refresh events.
func (c *Client) SetTokenRefreshCallback(fn func(accessToken, refreshToken string)) {
	c.mu.Lock()
	c.onTokenRefresh = fn
	c.mu.Unlock()
}

// request makes an authenticated HTTP request.
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()

	if baseURL == "" {
		baseURL = c.cfg.GetServerURL()
	}

	fullURL := baseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "qharbor-sync/1.0.0")

	accessToken := c.cfg.GetAccessToken()
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	// Handle 401 - try to refresh token
	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.refreshToken(ctx); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		// Retry with new token
		return c.request(ctx, method, path, body, result)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return &ConnectionError{Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err != nil || apiErr.Message == "" {
			return &APIError{Status: resp.StatusCode, Message: string(respBody)}
		}
		apiErr.Status = resp.StatusCode
		return &apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// refreshToken attempts to refresh the access token.
func (c *Client) refreshToken(ctx context.Context) error {
	refreshToken := c.cfg.RefreshToken
	if refreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	body := map[string]string{"refresh_token": refreshToken}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	fullURL := c.cfg.GetServerURL() + "/api/v2/token/refresh"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", fullURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "qharbor-sync/1.0.0")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed with status %d", httpResp.StatusCode)
	}

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return err
	}

	if err := c.cfg.SetTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return err
	}

	c.mu.RLock()
	callback := c.onTokenRefresh
	c.mu.RUnlock()
	if callback != nil {
		callback(resp.AccessToken, resp.RefreshToken)
	}

	return nil
}

// HealthCheck checks if the server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.request(ctx, "GET", "/api/v2/health", nil, nil)
}

// APIError represents an API error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ConnectionError wraps transport-level failures. The sync loop treats
// these differently from item failures: they abort the iteration for the
// source without charging an attempt to the item.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is a transport-level failure.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
