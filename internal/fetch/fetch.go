// Package fetch implements the bounded-retry HTTP client mediasync uses for
// every outbound request: site-matrix lookups, inventory-index listings, and
// media downloads. The retry loop applies exponential backoff with jitter
// and honors Retry-After on 429, talking to public, unauthenticated
// endpoints only.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ErrFetcherExhausted is returned when a request has been retried up to the
// configured count and still failed. It wraps the last HTTP status code
// observed (or 0 if every attempt failed at the transport level).
var ErrFetcherExhausted = errors.New("fetch: exhausted retries")

// ExhaustedError carries the final status code alongside ErrFetcherExhausted
// so callers that journal failures (the Downloader) can record it.
type ExhaustedError struct {
	URL        string
	StatusCode int
	Attempts   int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch: %s exhausted after %d attempts (last status %d)", e.URL, e.Attempts, e.StatusCode)
}

func (e *ExhaustedError) Unwrap() error { return ErrFetcherExhausted }

const (
	backoffFactor  = 2.0
	maxBackoff     = 60 * time.Second
	jitterFraction = 0.25
)

// Fetcher issues GETs with bounded exponential-backoff retry. A Fetcher is
// safe for concurrent use, though mediasync's run loop is strictly serial
// per spec (politeness over the network, not parallelism) and never
// exercises that safety.
type Fetcher struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	maxRetries  int
	baseBackoff time.Duration

	// sleepFunc waits between retries; overridden in tests to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher. maxRetries and waitSeconds come from configuration
// (limits.retries, limits.wait_seconds); userAgent from configuration
// (misc.user_agent).
func New(httpClient *http.Client, logger *slog.Logger, userAgent string, maxRetries, waitSeconds int) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		httpClient:  httpClient,
		logger:      logger,
		userAgent:   userAgent,
		maxRetries:  maxRetries,
		baseBackoff: time.Duration(waitSeconds) * time.Second,
		sleepFunc:   sleepCtx,
	}
}

// GetContent fetches url and returns the full response body on 2xx. On
// exhaustion it returns an *ExhaustedError.
func (f *Fetcher) GetContent(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	err := f.retry(ctx, url, func() (int, time.Duration, error) {
		resp, err := f.doOnce(ctx, url)
		if err != nil {
			return 0, 0, err
		}
		defer resp.Body.Close()

		if !isSuccess(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse
			retryAfter, _ := retryAfterSeconds(resp.Header.Get("Retry-After"))
			return resp.StatusCode, retryAfter, errNonSuccess
		}

		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return resp.StatusCode, 0, fmt.Errorf("fetch: reading body: %w", readErr)
		}

		body = b

		return resp.StatusCode, 0, nil
	})

	return body, err
}

// GetFile streams url's body to path. The file is either fully written or
// absent: on any failure a partial (.tmp) file is removed before returning.
//
// When returnOnFail is false, any failure (transport error or retry
// exhaustion) is returned as an error — the caller should treat this as
// fatal. When returnOnFail is true, retry exhaustion on a non-2xx status is
// reported by returning the final status code with a nil error instead,
// letting the Downloader journal the failure and continue to the next file;
// a transport-level failure (never got a status code at all) is then
// reported as status 0 with a nil error.
func (f *Fetcher) GetFile(ctx context.Context, url, path string, returnOnFail bool) (statusCode int, err error) {
	tmpPath := path + ".tmp"

	attemptErr := f.retry(ctx, url, func() (int, time.Duration, error) {
		resp, err := f.doOnce(ctx, url)
		if err != nil {
			return 0, 0, err
		}
		defer resp.Body.Close()

		if !isSuccess(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse
			retryAfter, _ := retryAfterSeconds(resp.Header.Get("Retry-After"))
			return resp.StatusCode, retryAfter, errNonSuccess
		}

		out, createErr := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec
		if createErr != nil {
			return resp.StatusCode, 0, fmt.Errorf("fetch: creating %s: %w", tmpPath, createErr)
		}

		_, copyErr := io.Copy(out, resp.Body)
		closeErr := out.Close()

		if copyErr != nil {
			os.Remove(tmpPath)
			return resp.StatusCode, 0, fmt.Errorf("fetch: streaming body to %s: %w", tmpPath, copyErr)
		}

		if closeErr != nil {
			os.Remove(tmpPath)
			return resp.StatusCode, 0, fmt.Errorf("fetch: closing %s: %w", tmpPath, closeErr)
		}

		return resp.StatusCode, 0, nil
	})

	if attemptErr != nil {
		os.Remove(tmpPath)

		var exhausted *ExhaustedError
		if returnOnFail && errors.As(attemptErr, &exhausted) {
			return exhausted.StatusCode, nil
		}

		return 0, attemptErr
	}

	if renameErr := os.Rename(tmpPath, path); renameErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fetch: renaming %s to %s: %w", tmpPath, path, renameErr)
	}

	return http.StatusOK, nil
}

// errNonSuccess marks a completed-but-non-2xx attempt inside the retry loop;
// it never escapes retry.
var errNonSuccess = errors.New("fetch: non-2xx response")

// retry runs attempt up to f.maxRetries+1 times, retrying on a transport
// error or a retryable status code. When attempt reports a positive
// retryAfter (parsed from a 429's Retry-After header), that value is used
// verbatim instead of the calculated backoff.
func (f *Fetcher) retry(ctx context.Context, url string, attempt func() (statusCode int, retryAfter time.Duration, err error)) error {
	var lastStatus int

	for try := 0; ; try++ {
		status, retryAfter, err := attempt()
		lastStatus = status

		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("fetch: %s canceled: %w", url, ctx.Err())
		}

		if try >= f.maxRetries || (status != 0 && !isRetryableStatus(status)) {
			return &ExhaustedError{URL: url, StatusCode: lastStatus, Attempts: try + 1}
		}

		backoff := f.calcBackoff(try)
		if retryAfter > 0 {
			backoff = retryAfter
		}

		f.logger.Warn("retrying request",
			slog.String("url", url),
			slog.Int("attempt", try+1),
			slog.Int("status", status),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := f.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("fetch: %s canceled: %w", url, sleepErr)
		}
	}
}

func (f *Fetcher) doOnce(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("fetch: creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)

	return f.httpClient.Do(req) //nolint:bodyclose // closed by caller
}

func (f *Fetcher) calcBackoff(attempt int) time.Duration {
	backoff := float64(f.baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not a security use
	backoff += jitter

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

func isRetryableStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}

	return status >= http.StatusInternalServerError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryAfterSeconds parses a Retry-After header expressed in delay-seconds
// form (the only form MediaWiki infra sends). A non-numeric or absent header
// yields ok=false and the caller falls back to calcBackoff.
func retryAfterSeconds(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0, false
	}

	return time.Duration(seconds) * time.Second, true
}
