// Package fetchutil provides a retrying HTTP client used by every outbound
// call the gateway makes to the Server's REST surface and to remote media
// URLs (§4.1). It centralizes timeout-per-attempt, backoff, and
// Retry-After handling so callers never hand-roll their own retry loop.
package fetchutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 2
	baseBackoff    = 500 * time.Millisecond
	maxRetryAfter  = 30 * time.Second
)

// defaultRetryStatuses is the set of HTTP statuses treated as transient.
var defaultRetryStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// transientSubstrings matches low-level network errors worth retrying —
// the other_examples channel manager uses the same substring-match
// approach rather than type-asserting on net.Error, since redirects and
// TLS libraries wrap errors inconsistently.
var transientSubstrings = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"timeout",
	"deadline exceeded",
	"no such host",
	"i/o timeout",
}

// Options configures one Do call.
type Options struct {
	Method    string
	Headers   map[string]string
	Body      []byte
	Timeout   time.Duration // per-attempt timeout; defaults to 10s
	Retries   int           // number of retries after the first attempt; defaults to 2
	RetryOn   map[int]bool  // status codes considered transient; defaults to defaultRetryStatuses
}

// Client wraps an *http.Client with the gateway's retry policy.
type Client struct {
	HTTP *http.Client
}

// New returns a Client backed by a pooled http.Client, grounded on the same
// transport-reuse approach the media handler uses for outbound fetches.
func New() *Client {
	return &Client{HTTP: &http.Client{}}
}

// Do performs url with opts, retrying transient failures with exponential
// backoff and honoring a Retry-After response header when present.
//
// On exhausting retries after a transient *status* response, the last
// response is returned (not an error) so the caller can inspect the body.
// On exhausting retries after a transient *network* error, the last error
// is returned.
func (c *Client) Do(ctx context.Context, url string, opts Options) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.Retries
	if opts.Retries == 0 {
		retries = defaultRetries
	}
	retryOn := opts.RetryOn
	if retryOn == nil {
		retryOn = defaultRetryStatuses
	}

	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt, lastResp)
			if lastResp != nil && lastResp.Body != nil {
				io.Copy(io.Discard, lastResp.Body)
				lastResp.Body.Close()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := c.doOnce(attemptCtx, method, url, opts)
		cancel()

		if err != nil {
			lastErr = err
			if !isTransientErr(err) || attempt == retries {
				return nil, err
			}
			continue
		}

		if retryOn[resp.StatusCode] && attempt < retries {
			lastResp = resp
			lastErr = nil
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

func (c *Client) doOnce(ctx context.Context, method, url string, opts Options) (*http.Response, error) {
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return c.HTTP.Do(req)
}

// backoffFor computes the wait before the given attempt number (1-indexed):
// a Retry-After header on the previous response takes priority, capped at
// 30s; otherwise exponential backoff at 500ms * 2^(attempt-1).
func backoffFor(attempt int, prevResp *http.Response) time.Duration {
	if prevResp != nil {
		if ra := prevResp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				d := time.Duration(secs) * time.Second
				if d > maxRetryAfter {
					d = maxRetryAfter
				}
				return d
			}
		}
	}
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// isTransientErr reports whether err is worth retrying. A per-attempt
// timeout (the attempt's own context.WithTimeout firing) surfaces as
// context.DeadlineExceeded wrapped in a *url.Error, not as a substring
// net/http only appends when the underlying *http.Client itself carries a
// Timeout — which this package's pooled client deliberately does not, since
// timeouts here are per-attempt, not per-client. Checked directly so the
// documented "retry on timeout" behavior doesn't depend on that string.
func isTransientErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
