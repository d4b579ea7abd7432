// Package httpclient provides the authenticated HTTP transport used for
// region API requests.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout is used when no timeout is specified
const defaultTimeout = 30 * time.Second

// TokenSource supplies the current bearer token for outgoing requests.
// An empty token sends the request unauthenticated.
type TokenSource func() string

// Client issues authenticated requests against region API endpoints.
// Non-2xx responses are reported as *HTTPError. The client never retries;
// retry policy belongs to the caller.
type Client interface {
	// Get fetches the URL and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)

	// Put sends the payload as a JSON body and returns the response body
	Put(ctx context.Context, url string, payload any) ([]byte, error)

	// Delete issues a DELETE and returns the response body
	Delete(ctx context.Context, url string) ([]byte, error)
}

// defaultClient implements Client on net/http
type defaultClient struct {
	httpClient *http.Client
	tokens     TokenSource
}

var _ Client = (*defaultClient)(nil)

// NewDefaultClient creates a client with the given timeout (zero selects
// the default) and token source (nil sends unauthenticated requests).
func NewDefaultClient(timeout time.Duration, tokens TokenSource) Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &defaultClient{
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
	}
}

// Get implements Client.Get
func (c *defaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Put implements Client.Put
func (c *defaultClient) Put(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPut, url, body)
}

// Delete implements Client.Delete
func (c *defaultClient) Delete(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, url, nil)
}

func (c *defaultClient) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens(); token != "" {
			req.Header.Set("Authorization", token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, NewHTTPError(resp.StatusCode, url, string(data))
	}
	return data, nil
}
