package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"larabbs.org/internal/audit"
)

const (
	defaultCodeTTL = 5 * time.Minute
	codeDigits     = 6
)

// CodeSender delivers a message to a phone number out of band.
type CodeSender interface {
	Send(ctx context.Context, phone, message string) error
}

// SentCode is what the client gets back after a code was sent; the code
// itself only travels over SMS.
type SentCode struct {
	Key       string
	ExpiresAt time.Time
}

// Codes issues verification codes and hands them to a CodeSender.
type Codes struct {
	store  CodeStore
	sender CodeSender
	ttl    time.Duration
	now    func() time.Time
	// generate is replaceable so tests can pin the code value.
	generate func() (string, error)
}

// CodesOption configures Codes.
type CodesOption func(*Codes)

// WithCodeTTL sets how long a code stays valid.
func WithCodeTTL(ttl time.Duration) CodesOption {
	return func(c *Codes) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCodeClock overrides the time source.
func WithCodeClock(fn func() time.Time) CodesOption {
	return func(c *Codes) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithCodeGenerator overrides code generation.
func WithCodeGenerator(fn func() (string, error)) CodesOption {
	return func(c *Codes) {
		if fn != nil {
			c.generate = fn
		}
	}
}

func NewCodes(store CodeStore, sender CodeSender, opts ...CodesOption) *Codes {
	c := &Codes{
		store:    store,
		sender:   sender,
		ttl:      defaultCodeTTL,
		now:      time.Now,
		generate: randomDigits,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send creates a code for phone, stores it and delivers it.
func (c *Codes) Send(ctx context.Context, phone string) (SentCode, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return SentCode{}, fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}
	code, err := c.generate()
	if err != nil {
		return SentCode{}, fmt.Errorf("generate code: %w", err)
	}
	now := c.now().UTC()
	rec := &VerificationCode{
		Phone:     phone,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return SentCode{}, fmt.Errorf("store code: %w", err)
	}
	msg := fmt.Sprintf("Your larabbs verification code is %s. It expires in %d minutes.", code, int(c.ttl.Minutes()))
	if err := c.sender.Send(ctx, phone, msg); err != nil {
		return SentCode{}, fmt.Errorf("send code: %w", err)
	}
	_ = audit.LogEvent(ctx, "verification_code.sent", "", map[string]any{"key": rec.Key, "phone": maskPhone(phone)})
	return SentCode{Key: rec.Key, ExpiresAt: rec.ExpiresAt}, nil
}

func randomDigits() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < codeDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
