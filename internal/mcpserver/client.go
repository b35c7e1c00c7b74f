package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/occr/internal/retry"
)

// Config holds the configuration for reaching the OCCR API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // sent as X-Admin-Secret on refresh calls
	Timeout     time.Duration
}

// OCCRClient is a thin HTTP client for the OCCR API.
type OCCRClient struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
}

// NewOCCRClient creates a new API client.
func NewOCCRClient(cfg Config) *OCCRClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OCCRClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     retry.DefaultPolicy,
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// GETs are retried on transport errors and 5xx/429 responses.
func (c *OCCRClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	policy := c.policy
	if method != http.MethodGet {
		policy.Attempts = 1
	}

	var out json.RawMessage
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if admin && c.cfg.AdminSecret != "" {
			req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			var apiErr apiError
			var e error
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
				e = fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
			} else {
				e = fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
			}
			if !retry.RetryableStatus(resp.StatusCode) {
				return retry.Permanent(e)
			}
			return e
		}

		out = json.RawMessage(respBody)
		return nil
	})
	return out, err
}

// ComputeScore scores a snapshot without storing it.
func (c *OCCRClient) ComputeScore(ctx context.Context, snapshot map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/score", nil, snapshot, false)
}

// GetScore returns the latest stored score for a wallet.
func (c *OCCRClient) GetScore(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(address)+"/score", nil, nil, false)
}

// GetHistory returns up to limit stored scores, newest first.
func (c *OCCRClient) GetHistory(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(address)+"/score/history", q, nil, false)
}

// RefreshScore runs the scoring pipeline for a wallet.
func (c *OCCRClient) RefreshScore(ctx context.Context, address string, publish bool) (json.RawMessage, error) {
	q := url.Values{}
	if publish {
		q.Set("publish", "true")
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/wallets/"+url.PathEscape(address)+"/score/refresh", q, nil, true)
}

// GetOnchainScore reads the score held by the scorer contract.
func (c *OCCRClient) GetOnchainScore(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+url.PathEscape(address)+"/score/onchain", nil, nil, false)
}
