package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"larabbs.org/internal/obs"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 200 * time.Millisecond
	maxResponseBytes  = 1 << 20
)

// ClientOptions tunes the HTTP behaviour shared by all providers.
type ClientOptions struct {
	HTTPClient *http.Client
	// Timeout bounds a single attempt; ignored when HTTPClient is set.
	Timeout    time.Duration
	MaxRetries uint64
	BaseDelay  time.Duration
}

type jsonClient struct {
	provider   string
	http       *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

func newJSONClient(provider string, opts ClientOptions) *jsonClient {
	c := &jsonClient{
		provider:   provider,
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.maxRetries == 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	return c
}

// do sends the request built by newReq and decodes a JSON body into out.
// Transport errors, 429 and 5xx are retried with exponential backoff and
// end up as ErrUnavailable; other 4xx responses are ErrRejected.
func (c *jsonClient) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := newReq(ctx)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: read body: %v", ErrUnavailable, err))
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
		}
		return nil
	})
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.record(err)
	return err
}

func (c *jsonClient) record(err error) {
	switch {
	case err == nil:
		obs.SocialRequest(c.provider, "ok")
	case errors.Is(err, ErrRejected):
		obs.SocialRequest(c.provider, "rejected")
	case errors.Is(err, ErrUnavailable):
		obs.SocialRequest(c.provider, "unavailable")
	default:
		obs.SocialRequest(c.provider, "error")
	}
}
