// Package rest is the JSON-over-HTTP client shared by the LINE and Discord
// adapters.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// Client posts JSON to one base URL with a fixed set of headers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	header     http.Header
}

func New(baseURL string, timeout time.Duration, header http.Header) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		header:     header.Clone(),
	}
}

// WithHTTPClient replaces the underlying client. Tests point it at httptest.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.httpClient = hc
	return &cp
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	RequestID  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Response carries what a caller may need from a 2xx response.
type Response struct {
	Status int
	Header http.Header
}

// PostJSON posts body to path (or to an absolute URL) and decodes a 2xx
// response into result when result is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, result any) (Response, error) {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) (Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(b)),
			RequestID: firstHeader(resp.Header, "X-Line-Request-Id", "X-Request-Id"),
		}
		if ra, ok := ParseRetryAfter(resp.Header.Get("Retry-After")); ok {
			se.RetryAfter = ra
		}
		return Response{Status: resp.StatusCode, Header: resp.Header}, se
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && err != io.EOF {
			return Response{Status: resp.StatusCode, Header: resp.Header}, fmt.Errorf("decode response: %w", err)
		}
	}
	return Response{Status: resp.StatusCode, Header: resp.Header}, nil
}

// ParseRetryAfter reads a Retry-After value in seconds. Fractional seconds
// are kept to the millisecond.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return time.Duration(math.Round(f*1000)) * time.Millisecond, true
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}
