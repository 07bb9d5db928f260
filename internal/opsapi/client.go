package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/chess-match-server/pkg/matchdto"
)

// ErrNotFound is returned by Client.Match for an unknown match.
var ErrNotFound = errors.New("match not found")

// Client reads the ops API of a running server.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) ClientOption {
	return func(c *Client) { c.retryMax = max }
}

// WithHTTPClient replaces the underlying fasthttp client (tests dial in-memory).
func WithHTTPClient(hc *fasthttp.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 8},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health returns the health document. A degraded server answers 503 with a
// body, which is returned together with an error.
func (c *Client) Health(ctx context.Context) (*matchdto.Health, error) {
	var h matchdto.Health
	status, err := c.getJSON(ctx, "/healthz", &h)
	if err != nil && status != fasthttp.StatusServiceUnavailable {
		return nil, err
	}
	return &h, err
}

func (c *Client) Match(ctx context.Context, matchID string) (*matchdto.MatchRecord, error) {
	var rec matchdto.MatchRecord
	status, err := c.getJSON(ctx, "/v1/matches/"+url.PathEscape(matchID), &rec)
	if status == fasthttp.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// getJSON decodes the body into out whenever one is present, even on error
// statuses.
func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			if len(resp.Body()) > 0 && out != nil {
				if derr := json.Unmarshal(resp.Body(), out); derr != nil && status < 300 {
					return status, fmt.Errorf("decode response: %w", derr)
				}
			}
			if status >= 200 && status < 300 {
				return status, nil
			}
			lastErr = fmt.Errorf("ops api error: status=%d", status)
			if !shouldRetryStatus(status) || attempt == attempts {
				return status, lastErr
			}
		}
		if attempt == attempts {
			break
		}
		if serr := sleepWithContext(ctx, backoffDuration(attempt)); serr != nil {
			return 0, lastErr
		}
	}
	return 0, lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case fasthttp.StatusBadGateway, fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}
