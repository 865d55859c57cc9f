package driftmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	// ClientTimeout is the total request timeout.
	ClientTimeout = 30 * time.Second
	// DialTimeout is the connection timeout.
	DialTimeout = 10 * time.Second
	// TLSHandshakeTimeout is the TLS negotiation timeout.
	TLSHandshakeTimeout = 10 * time.Second
	// ResponseHeaderTimeout is time to wait for response headers.
	ResponseHeaderTimeout = 15 * time.Second
)

// API endpoint paths.
const (
	pathTrackEvent    = "/api/events/track"
	pathTrackPurchase = "/api/commerce/trackPurchase"
	pathUpdateCart    = "/api/commerce/updateCart"
	pathUpdateUser    = "/api/users/update"
	pathMergeUsers    = "/api/users/merge"
	pathUserByID      = "/api/users/byUserId"
	pathUserByEmail   = "/api/users/byEmail"
	pathRegisterToken = "/api/users/registerDeviceToken"
	pathAnonCriteria  = "/api/anonymoususer/criteria"
)

// HeaderAPIKey carries the API key on every request.
const HeaderAPIKey = "Api-Key"

// Client is a typed HTTP client for the Driftmail platform API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the given configuration.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	hc := NewHTTPClient()
	if cfg.RequestTimeout > 0 {
		hc.Timeout = cfg.RequestTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: hc,
		logger:     logger.With("component", "driftmail.client"),
	}, nil
}

// NewHTTPClient creates an HTTP client configured for API calls.
// It has appropriate timeouts and does not follow redirects.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: ClientTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   TLSHandshakeTimeout,
			ResponseHeaderTimeout: ResponseHeaderTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// TrackEvent sends a generic event track call.
func (c *Client) TrackEvent(ctx context.Context, req TrackEventRequest) (*APIResponse, error) {
	var resp APIResponse
	if err := c.post(ctx, pathTrackEvent, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrackPurchase sends a purchase track call.
func (c *Client) TrackPurchase(ctx context.Context, req TrackPurchaseRequest) (*APIResponse, error) {
	var resp APIResponse
	if err := c.post(ctx, pathTrackPurchase, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateCart sends a cart update call.
func (c *Client) UpdateCart(ctx context.Context, req UpdateCartRequest) (*APIResponse, error) {
	var resp APIResponse
	if err := c.post(ctx, pathUpdateCart, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateUser updates a user profile. With MergeNestedObjects set, nested
// dataFields are merged into the existing profile rather than replacing it.
func (c *Client) UpdateUser(ctx context.Context, req UpdateUserRequest) (*APIResponse, error) {
	var resp APIResponse
	if err := c.post(ctx, pathUpdateUser, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MergeUsers combines the source identity's history into the destination user.
func (c *Client) MergeUsers(ctx context.Context, req MergeUsersRequest) (*APIResponse, error) {
	var resp APIResponse
	if err := c.post(ctx, pathMergeUsers, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterToken registers a device push token for a user.
func (c *Client) RegisterToken(ctx context.Context, req RegisterTokenRequest) (*APIResponse, error) {
	var resp APIResponse
	if err := c.post(ctx, pathRegisterToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUserByID looks up a user profile by userId.
// Returns ErrUserNotFound if the user does not exist.
func (c *Client) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return c.getUser(ctx, pathUserByID, url.Values{"userId": {userID}})
}

// GetUserByEmail looks up a user profile by email.
// Returns ErrUserNotFound if the user does not exist.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return c.getUser(ctx, pathUserByEmail, url.Values{"email": {email}})
}

// GetCriteria fetches the identification criteria currently in effect.
func (c *Client) GetCriteria(ctx context.Context) ([]Criteria, error) {
	var resp CriteriaResponse
	if err := c.get(ctx, pathAnonCriteria, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Criteria, nil
}

func (c *Client) getUser(ctx context.Context, path string, query url.Values) (*User, error) {
	var resp UserResponse
	if err := c.get(ctx, path, query, &resp); err != nil {
		if IsNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if resp.User == nil {
		return nil, ErrUserNotFound
	}
	return resp.User, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(HeaderAPIKey, c.apiKey)
	req.Header.Set("User-Agent", "Driftmail-Go/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("api call",
		"method", req.Method,
		"path", req.URL.Path,
		"http_status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var ack APIResponse
		if json.Unmarshal(body, &ack) == nil {
			apiErr.Code = ack.Code
			apiErr.Message = ack.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
