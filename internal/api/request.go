package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// APIError is a non-2xx response. Code and Message come from the venue's
// {"code", "msg"} error body when present.
type APIError struct {
	StatusCode int
	Code       int64
	Message    string
	RetryAfter time.Duration
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated:
// rate limits and server errors.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
	}
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if msg := root.Get("msg"); msg.Exists() {
			e.Message = msg.String()
		} else if msg := root.Get("message"); msg.Exists() {
			e.Message = msg.String()
		}
		e.Code = root.Get("code").Int()
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// do performs one GET and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

// wait returns the delay before retry attempt n (1-based): the doubled
// backoff with jitter in [0.5, 1.5), raised to the server's Retry-After,
// capped at maxBackoff.
func (c *Client) wait(n int, apiErr *APIError) time.Duration {
	backoff := c.retryBackoff << (n - 1)
	if backoff <= 0 || backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	d := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
	if apiErr.RetryAfter > d {
		d = apiErr.RetryAfter
	}
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// GetRaw performs a GET and returns the response body. Rate-limited and
// 5xx responses are retried up to maxRetries times.
func (c *Client) GetRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := c.do(ctx, path, query)
		if err == nil {
			return body, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("max retries exceeded: %w", err)
		}

		d := c.wait(attempt+1, apiErr)
		c.logger.Debug("retrying request",
			"path", path,
			"status", apiErr.StatusCode,
			"attempt", attempt+1,
			"backoff", d,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}
