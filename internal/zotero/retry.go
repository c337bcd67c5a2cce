package zotero

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/relink/pkg/types"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// Clock abstracts time so throttling and backoff are deterministic in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	headers map[string]string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do runs one logical call through the breaker and the retry loop.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	var resp *response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.doWithRetry(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doWithRetry(ctx context.Context, req request) (*response, error) {
	delay := c.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			c.noteBackoff(resp.header)
			if !retryable(resp.status) {
				return resp, nil
			}
			lastErr = fmt.Errorf("status %d", resp.status)
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		wait := delay
		if resp != nil {
			if d, ok := parseSeconds(resp.header.Get("Retry-After")); ok && (resp.status == http.StatusTooManyRequests || resp.status == http.StatusServiceUnavailable) {
				wait = d
			} else {
				delay = nextDelay(delay, c.cfg.MaxDelay)
			}
		} else {
			delay = nextDelay(delay, c.cfg.MaxDelay)
		}

		c.logger.Warn("request failed, retrying",
			"method", req.method, "path", req.path, "attempt", attempt, "wait", wait, "err", lastErr)
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s %s: retries exhausted after %d attempts: %v",
		types.ErrTransient, req.method, req.path, c.cfg.MaxAttempts, lastErr)
}

// throttle waits for the rate limiter and any server-requested backoff.
func (c *Client) throttle(ctx context.Context) error {
	now := c.clock.Now()
	wait := c.limiter.ReserveN(now, 1).DelayFrom(now)

	c.mu.Lock()
	if until := c.backoffUntil.Sub(now); until > wait {
		wait = until
	}
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	return c.clock.Sleep(ctx, wait)
}

// noteBackoff records a Backoff header so the next request waits it out.
func (c *Client) noteBackoff(h http.Header) {
	d, ok := parseSeconds(h.Get("Backoff"))
	if !ok {
		return
	}
	until := c.clock.Now().Add(d)
	c.mu.Lock()
	if until.After(c.backoffUntil) {
		c.backoffUntil = until
	}
	c.mu.Unlock()
	c.logger.Warn("server requested backoff", "seconds", d.Seconds())
}

func (c *Client) send(ctx context.Context, req request) (*response, error) {
	u := c.cfg.BaseURL + c.prefix + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Zotero-API-Version", c.cfg.APIVersion)
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: data}, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func parseSeconds(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}

// statusError maps an unexpected status onto the error taxonomy.
func statusError(resp *response) error {
	msg := strings.TrimSpace(string(resp.body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case resp.status == http.StatusNotFound || resp.status == http.StatusGone:
		return fmt.Errorf("%w: status %d: %s", types.ErrNotFound, resp.status, msg)
	case resp.status == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: status %d: %s", types.ErrVersionConflict, resp.status, msg)
	case resp.status == http.StatusConflict || resp.status == http.StatusTooManyRequests || resp.status >= 500:
		return fmt.Errorf("%w: status %d: %s", types.ErrTransient, resp.status, msg)
	case resp.status >= 400:
		return fmt.Errorf("%w: status %d: %s", types.ErrInvalidInput, resp.status, msg)
	default:
		return errors.New("unexpected status " + strconv.Itoa(resp.status) + ": " + msg)
	}
}
