package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"larabbs.org/internal/obs"
)

const (
	defaultIssuer    = "larabbs"
	defaultTokenTTL  = 2 * time.Hour
	maxIssueAttempts = 3
)

// Claims represents JWT claims carried by bearer tokens.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	Nonce string   `json:"nonce"`
	jwt.RegisteredClaims
}

// Tokens issues, verifies, refreshes and revokes bearer tokens.
//
// Token values are HS256 JWTs whose jti keys a TokenRecord. The signature
// and exp claim are checked first; the record decides revocation.
//
// Refresh rotates: the presented token is revoked in the same store
// operation that persists its replacement, so it fails verification with
// ErrTokenRevoked immediately afterwards.
type Tokens struct {
	store  TokenStore
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			t.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) error {
		if ttl < time.Second {
			return fmt.Errorf("auth: token ttl %s is below one second", ttl)
		}
		t.ttl = ttl
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(t *Tokens) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// withIDSource replaces jti generation; tests use it to force collisions.
func withIDSource(fn func() string) TokenOption {
	return func(t *Tokens) error {
		t.newID = fn
		return nil
	}
}

// NewTokens constructs Tokens signing with secret.
func NewTokens(store TokenStore, secret []byte, opts ...TokenOption) (*Tokens, error) {
	if store == nil {
		return nil, errors.New("auth: token store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: token secret is not configured")
	}
	t := &Tokens{
		store:  store,
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		ttl:    defaultTokenTTL,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// TTL reports the configured token lifetime.
func (t *Tokens) TTL() time.Duration { return t.ttl }

// Issue mints and stores a token bound to id.
func (t *Tokens) Issue(ctx context.Context, id Identity) (Token, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return Token{}, fmt.Errorf("%w: identity has no user", ErrInvalidInput)
	}
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		tok, rec, err := t.mint(id, t.now())
		if err != nil {
			obs.TokenOp("issue", "error")
			return Token{}, err
		}
		err = t.store.Create(ctx, rec)
		if errors.Is(err, ErrDuplicateToken) {
			obs.TokenOp("issue", "collision")
			continue
		}
		if err != nil {
			obs.TokenOp("issue", "error")
			return Token{}, fmt.Errorf("store token: %w", err)
		}
		obs.TokenOp("issue", "ok")
		return tok, nil
	}
	return Token{}, ErrDuplicateToken
}

// Verify returns the identity bound to value. Expiry is reported before
// revocation: an expired token yields ErrTokenExpired whatever its record says.
func (t *Tokens) Verify(ctx context.Context, value string) (Identity, error) {
	claims, err := t.parse(value)
	if err != nil {
		obs.TokenOp("verify", resultLabel(err))
		return Identity{}, err
	}
	rec, err := t.store.Find(ctx, claims.ID)
	if err != nil {
		obs.TokenOp("verify", resultLabel(err))
		return Identity{}, err
	}
	if err := t.checkRecord(rec, claims, t.now()); err != nil {
		obs.TokenOp("verify", resultLabel(err))
		return Identity{}, err
	}
	obs.TokenOp("verify", "ok")
	return Identity{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Refresh exchanges a live token for a new one and revokes the old one.
func (t *Tokens) Refresh(ctx context.Context, value string) (Token, error) {
	claims, err := t.parse(value)
	if err != nil {
		obs.TokenOp("refresh", resultLabel(err))
		return Token{}, err
	}
	id := Identity{UserID: claims.Subject, Roles: claims.Roles}
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		now := t.now()
		tok, rec, err := t.mint(id, now)
		if err != nil {
			obs.TokenOp("refresh", "error")
			return Token{}, err
		}
		err = t.store.Rotate(ctx, claims.ID, now, rec, func(old TokenRecord) error {
			return t.checkRecord(old, claims, now)
		})
		if errors.Is(err, ErrDuplicateToken) {
			obs.TokenOp("refresh", "collision")
			continue
		}
		if err != nil {
			obs.TokenOp("refresh", resultLabel(err))
			return Token{}, err
		}
		obs.TokenOp("refresh", "ok")
		return tok, nil
	}
	return Token{}, ErrDuplicateToken
}

// Revoke marks value revoked. Revoking twice is not an error.
func (t *Tokens) Revoke(ctx context.Context, value string) error {
	claims, err := t.parse(value)
	if err != nil {
		obs.TokenOp("revoke", resultLabel(err))
		return err
	}
	_, err = t.store.Revoke(ctx, claims.ID, t.now(), func(rec TokenRecord) error {
		if rec.UserID != claims.Subject {
			return ErrTokenNotFound
		}
		return nil
	})
	if err != nil {
		obs.TokenOp("revoke", resultLabel(err))
		return err
	}
	obs.TokenOp("revoke", "ok")
	return nil
}

// RevokeAll revokes every live token issued to userID.
func (t *Tokens) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := t.store.RevokeByUser(ctx, userID, t.now())
	if err != nil {
		return 0, fmt.Errorf("revoke tokens of %s: %w", userID, err)
	}
	return n, nil
}

func (t *Tokens) mint(id Identity, now time.Time) (Token, *TokenRecord, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Token{}, nil, fmt.Errorf("read nonce: %w", err)
	}
	// exp has second precision on the wire; the record matches it exactly.
	expiresAt := now.Add(t.ttl).UTC().Truncate(time.Second)
	jti := t.newID()
	claims := Claims{
		Roles: dedupeRoles(id.Roles),
		Nonce: base64.RawURLEncoding.EncodeToString(nonce),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return Token{}, nil, fmt.Errorf("sign token: %w", err)
	}
	rec := &TokenRecord{
		ID:        jti,
		UserID:    id.UserID,
		IssuedAt:  now.UTC(),
		ExpiresAt: expiresAt,
	}
	return Token{
		Value:     signed,
		ID:        jti,
		UserID:    id.UserID,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: expiresAt,
	}, rec, nil
}

func (t *Tokens) parse(value string) (*Claims, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrTokenNotFound
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		// Forged or malformed values name no token we know of.
		return nil, ErrTokenNotFound
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrTokenNotFound
	}
	return claims, nil
}

func (t *Tokens) checkRecord(rec TokenRecord, claims *Claims, now time.Time) error {
	if rec.UserID != claims.Subject {
		return ErrTokenNotFound
	}
	if !now.Before(rec.ExpiresAt) {
		return ErrTokenExpired
	}
	if rec.RevokedAt != nil {
		return ErrTokenRevoked
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
