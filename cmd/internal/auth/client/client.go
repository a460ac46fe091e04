// Package client implements the caller side of the refresh protocol: a
// request wrapper that reacts to stale signals and auth failures by
// refreshing exactly once, plus a jittered background refresher that keeps
// long-lived WebSocket authorization current.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Paths the client talks to. They mirror the server's session surface.
const (
	refreshPath   = "/sessions/current/refresh"
	tokenPeekPath = "/sessions/current"
)

// ErrRefreshFailed is returned when the refresh endpoint answered with a
// non-2xx status, meaning the session is gone and the user must log in again.
var ErrRefreshFailed = errors.New("client: refresh failed")

// Client wraps an http.Client with the refresh protocol. It is safe for
// concurrent use; concurrent refresh triggers collapse into one call.
type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger

	sf singleflight.Group

	mu      sync.Mutex
	stopped bool
	cancels []context.CancelFunc
}

// New builds a Client for the given server base URL. When httpClient is nil a
// cookie-jarred client is created, which is what the cookie-based session
// scheme needs.
func New(baseURL string, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", baseURL)
	}
	if httpClient == nil {
		jar, jerr := cookiejar.New(nil)
		if jerr != nil {
			return nil, jerr
		}
		httpClient = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{base: base, http: httpClient, log: log}, nil
}

// Do issues the request and applies the retry protocol:
//
//  1. A response flagged stale triggers a refresh, then one retry.
//  2. A 401/403 triggers one refresh-and-retry; a second failure is surfaced
//     as-is. There is never more than one retry per call.
//
// Requests with a body are only retried when GetBody is set (true for all
// requests built by http.NewRequest from replayable readers).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.Header.Get("x-token-status") == "stale":
		// The original response is still good; retry only to carry a fresh
		// cookie forward. If anything goes wrong, keep what we have.
		retry, ok := cloneForRetry(req)
		if !ok {
			return resp, nil
		}
		if err := c.Refresh(req.Context()); err != nil {
			return resp, nil
		}
		fresh, rerr := c.http.Do(retry)
		if rerr != nil {
			return resp, nil
		}
		closeBody(resp)
		return fresh, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		retry, ok := cloneForRetry(req)
		if !ok {
			return resp, nil
		}
		if err := c.Refresh(req.Context()); err != nil {
			return resp, nil
		}
		fresh, rerr := c.http.Do(retry)
		if rerr != nil {
			return resp, nil
		}
		closeBody(resp)
		return fresh, nil
	}

	return resp, nil
}

// Refresh calls the refresh endpoint. Concurrent callers share a single
// in-flight request; all of them observe its outcome.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.sf.Do("refresh", func() (any, error) {
		return nil, c.refreshOnce(ctx)
	})
	return err
}

func (c *Client) refreshOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+refreshPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}
	return nil
}

// AccessToken fetches the raw current access token, for bootstrapping an
// authenticated WebSocket handshake. Returns "" without error when no
// session exists.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+tokenPeekPath, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: token peek: status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return "", err
	}
	return body.Token, nil
}

// StartAutoRefresh launches a background loop that refreshes every interval
// plus up to 10% random jitter, so fleets of clients do not synchronize.
// The returned stop function cancels the loop; Close cancels all loops.
func (c *Client) StartAutoRefresh(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		return func() {}
	}
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(jittered(interval))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if err := c.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					c.log.Warn("client.autorefresh.fail", "err", err)
				}
				timer.Reset(jittered(interval))
			}
		}
	}()

	return cancel
}

// Close stops every auto-refresh loop this client started.
func (c *Client) Close() {
	c.mu.Lock()
	c.stopped = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func jittered(interval time.Duration) time.Duration {
	maxJitter := interval / 10
	if maxJitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(maxJitter)))
}

func cloneForRetry(req *http.Request) (*http.Request, bool) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone.Body = body
	return clone, true
}

func decodeJSON(resp *http.Response, v any) error {
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	return dec.Decode(v)
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}
