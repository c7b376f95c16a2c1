// Package ratelimit counts requests per client and route class in fixed
// windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Route classes used by the API.
const (
	ClassSign = "sign"
	ClassAPI  = "api"
)

// ErrRateLimitExceeded is wrapped by every *ExceededError.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// ExceededError reports a rejected call and when the window reopens.
type ExceededError struct {
	Class      string
	Limit      int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: class %q allows %d per window, retry after %ds", ErrRateLimitExceeded, e.Class, e.Limit, e.RetryAfterSeconds())
}

func (e *ExceededError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *ExceededError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Policy caps a route class at Limit calls per Window.
type Policy struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"expires" json:"expires"`
}

func (p Policy) validate(class string) error {
	if p.Limit <= 0 {
		return fmt.Errorf("ratelimit: class %q: limit must be positive", class)
	}
	if p.Window < time.Second {
		return fmt.Errorf("ratelimit: class %q: window must be at least one second", class)
	}
	return nil
}

// Policies maps route classes to their policy.
type Policies map[string]Policy

// Validate checks every policy.
func (ps Policies) Validate() error {
	for class, p := range ps {
		if strings.TrimSpace(class) == "" {
			return errors.New("ratelimit: empty class name")
		}
		if err := p.validate(class); err != nil {
			return err
		}
	}
	return nil
}

// Limiter decides whether a client may make another call in a route class.
// Allow returns nil, an *ExceededError, or a storage error.
type Limiter interface {
	Allow(ctx context.Context, clientKey, class string) error
}

// windowStart aligns now to the start of its fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func exceeded(class string, p Policy, start, now time.Time) *ExceededError {
	return &ExceededError{Class: class, Limit: p.Limit, RetryAfter: start.Add(p.Window).Sub(now)}
}
