// Package gh implements the remote gateway: conditional paged fetches,
// single-item fetches, and mutations against the GitHub API.
package gh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	apiBaseURL = "https://api.github.com"
	apiVersion = "2022-11-28"

	// Client-side pacing keeps background polling well under the API quota.
	requestsPerSecond = 8
	requestBurst      = 16
)

// Client is a GitHub API client. All calls honor the passed context and
// classify failures into APIError kinds.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL points the client at a different API root (for testing).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// New creates a GitHub API client authenticated with token.
func New(token string, opts ...Option) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := &Client{
		baseURL:    apiBaseURL,
		httpClient: oauth2.NewClient(context.Background(), src),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs a paced, authenticated request. Extra headers (e.g.
// If-None-Match) may be supplied. The caller owns the response body.
func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // callers close
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// getJSON fetches url and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// sendJSON issues a mutating request and decodes the response into out when
// out is non-nil.
func (c *Client) sendJSON(ctx context.Context, method, url string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	resp, err := c.do(ctx, method, url, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// graphql posts a GraphQL query and returns the decoded payload.
func (c *Client) graphql(ctx context.Context, query string, variables map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graphql payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/graphql", body, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if errs, ok := payload["errors"]; ok {
		return nil, fmt.Errorf("graphql error: %v", errs)
	}
	return payload, nil
}
