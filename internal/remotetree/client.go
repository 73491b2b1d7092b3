// Package remotetree implements RemoteTree: an HTTP client for a REST-ish
// Digital Asset Management repository, modeled on the teacher's
// internal/graph client — same retry/backoff shape and sentinel-error
// classification, generalized to the DAM's item API instead of Microsoft
// Graph's drive API.
package remotetree

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/paladugu82/node-smb-server-sub001/internal/rqerr"
)

const userAgent = "rqshare/0.1"

// Config bounds a Client's retry behavior.
type Config struct {
	BaseURL    string
	MaxRetries uint64
	BaseDelay  float64 // seconds
}

// Client is an HTTP client for the DAM's item API: request construction,
// bearer-token injection from an oauth2.TokenSource, retry with
// exponential backoff via go-retry, and sentinel error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	logger     *slog.Logger
	cfg        Config
}

// NewClient builds a Client. httpClient is typically split into separate
// metadata and transfer instances by the caller (short vs. long timeouts);
// Client itself is agnostic to which one it's handed.
func NewClient(cfg Config, httpClient *http.Client, tokens oauth2.TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{baseURL: cfg.BaseURL, httpClient: httpClient, tokens: tokens, logger: logger, cfg: cfg}
}

// do executes an authenticated request with retry on transient failures.
// The caller must close the response body on a non-error return.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.doWithHeaders(ctx, method, path, body, nil)
}

// doWithContentType is do with an explicit Content-Type header, for
// multipart uploads and JSON bodies.
func (c *Client) doWithContentType(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	return c.doWithHeaders(ctx, method, path, body, map[string]string{"Content-Type": contentType})
}

// doRange performs a GET with a Range header for byte-range fetches.
func (c *Client) doRange(ctx context.Context, path string, off, length int64) (*http.Response, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, off+length-1)
	return c.doWithHeaders(ctx, http.MethodGet, path, nil, map[string]string{"Range": rangeHeader})
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	backoff, err := retry.NewExponential(secondsToDuration(c.cfg.BaseDelay))
	if err != nil {
		return nil, fmt.Errorf("remotetree: building backoff: %w", err)
	}

	backoff = retry.WithMaxRetries(maxRetries(c.cfg.MaxRetries), backoff)
	backoff = retry.WithJitterPercent(25, backoff)

	var resp *http.Response

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var attemptErr error

		resp, attemptErr = c.attempt(ctx, method, path, body, headers)
		if attemptErr == nil {
			return nil
		}

		if rqerr.ClassifyError(attemptErr) == rqerr.TierRetryable {
			c.logger.Warn("remotetree: retrying request", "method", method, "path", path, "err", attemptErr)
			return retry.RetryableError(attemptErr)
		}

		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("remotetree: rewinding request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remotetree: building request: %w", err)
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("remotetree: obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	req.Header.Set("User-Agent", userAgent)

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remotetree: %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	reqID := resp.Header.Get("request-id")

	return nil, &rqerr.RemoteError{
		StatusCode: resp.StatusCode,
		RequestID:  reqID,
		Message:    string(errBody),
		Err:        rqerr.ClassifyStatus(resp.StatusCode),
	}
}

func maxRetries(n uint64) uint64 {
	if n == 0 {
		return 5
	}

	return n
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		s = 1
	}

	return time.Duration(s * float64(time.Second))
}
