package client

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryPolicy decides which failed requests are sent again and how long
// to wait in between. The zero value never retries.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Wait is the delay before the first retry; it doubles on every
	// further retry up to MaxWait.
	Wait    time.Duration
	MaxWait time.Duration
	// Jitter moves each delay by up to this fraction in either direction.
	Jitter float64
}

// DefaultRetryPolicy retries twice, starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Wait:       100 * time.Millisecond,
		MaxWait:    5 * time.Second,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry n (0-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Wait
	for i := 0; i < n && (p.MaxWait <= 0 || d < p.MaxWait); i++ {
		d *= 2
	}
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * (rand.Float64()*2 - 1))
	}
	return max(d, 0)
}

// ShouldRetry reports whether a request sent with method that failed with
// err may be sent again.
//
// A write conflict means the daemon rolled the whole transaction back, so
// every request is retried on one. Reads are also retried when the daemon
// is unreachable or answers 502, 503 or 504. Anything else is final: a
// missing rule or a syntax error will not go away, and a daemon without a
// run history will not grow one.
func (p RetryPolicy) ShouldRetry(method string, err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return method == http.MethodGet
	}
	switch {
	case apiErr.StatusCode == http.StatusConflict:
		return apiErr.Code == "write_conflict"
	case apiErr.Code == "run_history_not_configured":
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return method == http.MethodGet
	}
	return false
}
