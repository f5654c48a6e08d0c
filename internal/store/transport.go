package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"tgsync/internal/domain"
)

// SharedHTTPClient returns an HTTP client with connection pooling sized for
// several account workers talking to one Store.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

var (
	// retryBaseDelay is the unit of the quadratic backoff between attempts.
	retryBaseDelay = time.Second
	// maxRetryAfter caps a server-requested delay.
	maxRetryAfter = 30 * time.Second
)

// statusError is a retryable HTTP status from the Store.
type statusError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// backoffFor returns the pause before the given retry attempt (1-based).
func backoffFor(attempt int, last error) time.Duration {
	if se, ok := last.(*statusError); ok && se.retryAfter > 0 {
		return se.retryAfter
	}
	base := time.Duration(attempt*attempt) * retryBaseDelay
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// roundTrip performs one request, retrying network failures and retryable
// statuses up to retries times. Exhausted retries surface as domain.ErrTransient.
func roundTrip(ctx context.Context, client *http.Client, retries int, build func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var last error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt, last)
			logger.Warn("retrying store request", "attempt", attempt+1, "wait", wait, "err", last)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		last = &statusError{status: resp.StatusCode, body: string(body), retryAfter: retryAfter(resp.Header)}
	}
	return nil, fmt.Errorf("%w: store request failed after %d attempts: %v", domain.ErrTransient, retries+1, last)
}
