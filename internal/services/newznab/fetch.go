// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nzbwatch/internal/buildinfo"
)

const (
	defaultFetchTimeout    = 30 * time.Second
	defaultFetchAttempts   = 3
	defaultFetchRetryDelay = time.Second

	maxResponseBytes int64 = 8 << 20
)

// Fetcher retrieves the body behind a URL. A nil slice with a nil error is
// treated the same as a failure: no data.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, rawURL string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f(ctx, rawURL)
}

// StatusError represents a non-2xx response from an indexer.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("indexer request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

var errResponseTooLarge = fmt.Errorf("indexer response exceeded %d bytes limit", maxResponseBytes)

// HTTPFetcher is the default Fetcher. Every attempt is bounded by the client
// timeout. Connection errors and 5xx responses are retried with backoff.
type HTTPFetcher struct {
	client     *http.Client
	userAgent  string
	attempts   uint
	retryDelay time.Duration
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPFetcher{
		client:     &http.Client{Timeout: timeout},
		userAgent:  buildinfo.UserAgent,
		attempts:   defaultFetchAttempts,
		retryDelay: defaultFetchRetryDelay,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = f.fetchOnce(ctx, rawURL)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryableFetchError),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().
				Err(err).
				Uint("attempt", n+1).
				Str("url", redactAPIKey(rawURL)).
				Msg("[NEWZNAB] Retrying indexer request")
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build indexer request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = redactAPIKey(urlErr.URL)
		}
		return nil, fmt.Errorf("indexer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: redactAPIKey(rawURL)}
	}

	limitedReader := io.LimitReader(resp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("read indexer body: %w", err)
	}
	if int64(len(data)) > maxResponseBytes {
		return nil, errResponseTooLarge
	}

	return data, nil
}

// isRetryableFetchError reports whether another attempt may succeed. Client
// errors, rate limiting and timeouts are final.
func isRetryableFetchError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errResponseTooLarge) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	return true
}

// redactAPIKey hides the apikey query value so URLs are safe to log.
func redactAPIKey(rawURL string) string {
	idx := strings.Index(rawURL, "apikey=")
	if idx == -1 {
		return rawURL
	}
	start := idx + len("apikey=")
	end := strings.IndexByte(rawURL[start:], '&')
	if end == -1 {
		return rawURL[:start] + "REDACTED"
	}
	return rawURL[:start] + "REDACTED" + rawURL[start+end:]
}
