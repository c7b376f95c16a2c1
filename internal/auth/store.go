package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Codes() CodeStore
	Tokens() TokenStore
	SocialAccounts() SocialAccountStore
}

// UserStore manages users.
type UserStore interface {
	// Create assigns an ID when empty. ErrAlreadyExists when name, phone or email is taken.
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByLogin matches login against email, phone or name, in that order.
	FindByLogin(ctx context.Context, login string) (*User, error)
}

// CodeStore manages verification codes.
type CodeStore interface {
	Create(ctx context.Context, code *VerificationCode) error
	// Consume locks the code identified by key, runs check against it and,
	// when check returns nil, marks it consumed at the given time. A non-nil
	// u is created in the same step; if that fails the code is left as it
	// was. A check error wrapping errCodeMismatch increments Attempts. The
	// whole sequence is atomic with respect to other Consume calls.
	Consume(ctx context.Context, key string, at time.Time, check func(VerificationCode) error, u *User) (VerificationCode, error)
}

// TokenStore manages authorization token records.
type TokenStore interface {
	// Create returns ErrDuplicateToken if the id is already present.
	Create(ctx context.Context, rec *TokenRecord) error
	// Find returns ErrTokenNotFound for unknown ids.
	Find(ctx context.Context, id string) (TokenRecord, error)
	// Revoke runs check against the locked record and marks it revoked when
	// check returns nil. Revoking an already revoked record leaves the
	// original RevokedAt in place and is not an error.
	Revoke(ctx context.Context, id string, at time.Time, check func(TokenRecord) error) (TokenRecord, error)
	// Rotate atomically checks the old record, revokes it and stores next.
	Rotate(ctx context.Context, oldID string, at time.Time, next *TokenRecord, check func(TokenRecord) error) error
	// RevokeByUser revokes every live token of the user and returns how many changed.
	RevokeByUser(ctx context.Context, userID string, at time.Time) (int, error)
}

// SocialAccountStore maps provider identities to users.
type SocialAccountStore interface {
	Find(ctx context.Context, provider, providerUserID string) (SocialAccount, error)
	// CreateWithUser stores u and acc together. ErrAlreadyExists when the
	// provider identity was linked concurrently.
	CreateWithUser(ctx context.Context, u *User, acc *SocialAccount) error
}
