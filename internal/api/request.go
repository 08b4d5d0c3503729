package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rickgao/airsense-sync/internal/retry"
)

// APIError represents a non-2xx response from the readings API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("readings api error %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code for classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

func (c *Client) buildURL(path string, query url.Values) string {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	return fullURL
}

// doRequest performs a single HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.signer != nil {
		headers, err := c.signer.Headers(method, path)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		for k, v := range headers {
			req.Header[k] = v
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

// get performs a GET. Concurrent calls for the same URL share one request,
// and transient failures are retried under the client policy. Each caller
// gets its own copy of the body.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.buildURL(path, query)

	body, err := c.inflight.Get(ctx, fullURL, func(ctx context.Context) ([]byte, error) {
		return retry.Do(ctx, c.policy, c.logger, func(ctx context.Context) ([]byte, error) {
			return c.doRequest(ctx, http.MethodGet, path, fullURL)
		})
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(body), nil
}
