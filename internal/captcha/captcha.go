// Package captcha issues short-lived image challenges that gate sending SMS
// verification codes.
package captcha

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"larabbs.org/internal/ids"
)

var (
	ErrNotFound      = errors.New("captcha: not found")
	ErrExpired       = errors.New("captcha: expired")
	ErrMismatch      = errors.New("captcha: code mismatch")
	ErrPhoneRequired = errors.New("captcha: phone is required")
)

const (
	defaultTTL    = 2 * time.Minute
	defaultLength = 4
	// alphabet leaves out characters that are easy to confuse (0/O, 1/I/L).
	alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// Entry is a stored challenge.
type Entry struct {
	Key       string
	Phone     string
	Code      string
	ExpiresAt time.Time
}

// Challenge is returned to the client. The code is only in the image.
type Challenge struct {
	Key       string
	ExpiresAt time.Time
	// Image is a data URI holding a PNG.
	Image string
}

// Store keeps challenges until they are taken.
type Store interface {
	Put(ctx context.Context, e Entry) error
	// Take removes and returns the entry for key, or ErrNotFound.
	Take(ctx context.Context, key string) (Entry, error)
}

// Service issues and checks captchas.
type Service struct {
	store  Store
	ttl    time.Duration
	length int
	now    func() time.Time
	random func(n int) (string, error)
}

// Option configures Service.
type Option func(*Service)

// WithTTL sets how long a captcha stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCodeSource overrides code generation.
func WithCodeSource(fn func(n int) (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.random = fn
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ttl:    defaultTTL,
		length: defaultLength,
		now:    time.Now,
		random: randomCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a challenge bound to phone.
func (s *Service) Issue(ctx context.Context, phone string) (Challenge, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Challenge{}, ErrPhoneRequired
	}
	code, err := s.random(s.length)
	if err != nil {
		return Challenge{}, fmt.Errorf("captcha: generate code: %w", err)
	}
	img, err := Render(code)
	if err != nil {
		return Challenge{}, err
	}
	e := Entry{
		Key:       "captcha-" + ids.New(),
		Phone:     phone,
		Code:      code,
		ExpiresAt: s.now().UTC().Add(s.ttl),
	}
	if err := s.store.Put(ctx, e); err != nil {
		return Challenge{}, fmt.Errorf("captcha: store: %w", err)
	}
	return Challenge{Key: e.Key, ExpiresAt: e.ExpiresAt, Image: img}, nil
}

// Check consumes the challenge and returns the phone it was issued for.
// A challenge can be checked once whatever the outcome.
func (s *Service) Check(ctx context.Context, key, code string) (string, error) {
	e, err := s.store.Take(ctx, strings.TrimSpace(key))
	if err != nil {
		return "", err
	}
	if !s.now().Before(e.ExpiresAt) {
		return "", ErrExpired
	}
	got := strings.ToUpper(strings.TrimSpace(code))
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToUpper(e.Code))) != 1 {
		return "", ErrMismatch
	}
	return e.Phone, nil
}

func randomCode(n int) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}
