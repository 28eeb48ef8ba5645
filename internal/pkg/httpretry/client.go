// Package httpretry wraps outbound provider calls with bounded retries,
// capped exponential backoff with jitter, and Retry-After awareness.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// HTTPDoer executes one HTTP request. *http.Client and *RetryClient
// both satisfy it, so retrying is opt-in per call site.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures. Requests that may be retried
// need req.GetBody set when they carry a body; http.NewRequest does
// this for the common body types.
type RetryClient struct {
	base    HTTPDoer
	retries int
	minWait time.Duration
	maxWait time.Duration
}

// NewRetryClient wraps base with up to retries re-attempts after the
// first try. A nil base gets a 30s-timeout http.Client; retries <= 0
// defaults to 3.
func NewRetryClient(base HTTPDoer, retries int) *RetryClient {
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	if retries <= 0 {
		retries = 3
	}
	return &RetryClient{
		base:    base,
		retries: retries,
		minWait: 200 * time.Millisecond,
		maxWait: 30 * time.Second,
	}
}

// Do runs the request, retrying network errors and retryable statuses
// (429 and the 5xx family except 501). Client errors return
// immediately, and the final attempt's response comes back as-is so the
// caller can read the provider's error body.
func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			}
			timer := time.NewTimer(c.backoff(attempt, lastErr))
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil, req.Context().Err()
			}
		}

		resp, err := c.base.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			if attempt == c.retries {
				return nil, lastErr
			}
			logger.Warn("provider call failed, retrying",
				"url", req.URL.Host, "attempt", attempt+1, "error", err.Error())
			continue
		}

		if !retryable(resp.StatusCode) || attempt == c.retries {
			return resp, nil
		}

		lastErr = &statusError{code: resp.StatusCode, after: retryAfter(resp)}
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		logger.Warn("provider returned retryable status",
			"url", req.URL.Host, "status", resp.StatusCode, "attempt", attempt+1)
	}
}

// statusError carries the server's Retry-After hint into the backoff.
type statusError struct {
	code  int
	after time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.code)
}

// backoff doubles from minWait per attempt with full jitter, capped at
// maxWait. A server Retry-After hint overrides the computed wait when
// it is longer.
func (c *RetryClient) backoff(attempt int, lastErr error) time.Duration {
	ceil := c.minWait << (attempt - 1)
	if ceil > c.maxWait || ceil <= 0 {
		ceil = c.maxWait
	}
	wait := c.minWait + time.Duration(rand.Int63n(int64(ceil)))
	if se, ok := lastErr.(*statusError); ok && se.after > wait {
		wait = se.after
	}
	if wait > c.maxWait {
		wait = c.maxWait
	}
	return wait
}

func retryable(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status != http.StatusNotImplemented
}

// retryAfter parses a delay-seconds Retry-After header; HTTP-date form
// and absent headers yield zero.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
