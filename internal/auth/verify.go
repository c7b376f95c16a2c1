package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"larabbs.org/internal/ids"
	"larabbs.org/internal/social"
)

// Verifier checks one kind of credential and yields the identity behind it.
type Verifier[T any] interface {
	Verify(ctx context.Context, creds T) (Identity, error)
}

// PasswordCredentials is a login (email, phone or name) and a password.
type PasswordCredentials struct {
	Login    string
	Password string
}

// CodeCredentials names a verification code by the key returned when it was sent.
type CodeCredentials struct {
	Key  string
	Code string
}

// SocialCredentials carries either an authorization code or an access token
// (plus openid for providers that need it).
type SocialCredentials struct {
	Provider    string
	Code        string
	AccessToken string
	OpenID      string
}

var (
	_ Verifier[PasswordCredentials] = (*PasswordVerifier)(nil)
	_ Verifier[CodeCredentials]     = (*CodeVerifier)(nil)
	_ Verifier[SocialCredentials]   = (*SocialVerifier)(nil)
)

// PasswordVerifier checks passwords against stored bcrypt hashes.
type PasswordVerifier struct {
	users UserStore
}

func NewPasswordVerifier(users UserStore) *PasswordVerifier {
	return &PasswordVerifier{users: users}
}

func (v *PasswordVerifier) Verify(ctx context.Context, creds PasswordCredentials) (Identity, error) {
	login := strings.TrimSpace(creds.Login)
	if login == "" || creds.Password == "" {
		return Identity{}, ErrInvalidCredentials
	}
	u, err := v.users.FindByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword(string(dummyHash), creds.Password)
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("find user: %w", err)
	}
	if err := VerifyPassword(u.PasswordHash, creds.Password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: u.ID, Roles: u.Roles}, nil
}

// maxCodeAttempts is how many wrong guesses a verification code survives.
const maxCodeAttempts = 5

// errCodeMismatch marks a wrong guess so the code store can count it.
var errCodeMismatch = fmt.Errorf("%w: code mismatch", ErrCodeInvalid)

// CodeVerifier consumes verification codes. The identity it returns carries
// only the verified phone: the code proves control of a number, not an account.
type CodeVerifier struct {
	codes CodeStore
	now   func() time.Time
}

func NewCodeVerifier(codes CodeStore, now func() time.Time) *CodeVerifier {
	if now == nil {
		now = time.Now
	}
	return &CodeVerifier{codes: codes, now: now}
}

func (v *CodeVerifier) Verify(ctx context.Context, creds CodeCredentials) (Identity, error) {
	return v.consume(ctx, creds, nil)
}

// Redeem verifies creds and creates u with the verified phone in the same
// step. When the create fails the code stays usable.
func (v *CodeVerifier) Redeem(ctx context.Context, creds CodeCredentials, u *User) (Identity, error) {
	return v.consume(ctx, creds, u)
}

func (v *CodeVerifier) consume(ctx context.Context, creds CodeCredentials, u *User) (Identity, error) {
	key := strings.TrimSpace(creds.Key)
	code := strings.TrimSpace(creds.Code)
	if key == "" || code == "" {
		return Identity{}, ErrCodeInvalid
	}
	now := v.now().UTC()
	rec, err := v.codes.Consume(ctx, key, now, func(c VerificationCode) error {
		if c.ConsumedAt != nil || c.Attempts >= maxCodeAttempts {
			return ErrCodeInvalid
		}
		if !now.Before(c.ExpiresAt) {
			return ErrCodeExpired
		}
		if subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) != 1 {
			return errCodeMismatch
		}
		if u != nil {
			u.Phone = c.Phone
		}
		return nil
	}, u)
	switch {
	case errors.Is(err, ErrNotFound):
		return Identity{}, ErrCodeInvalid
	case errors.Is(err, errCodeMismatch):
		return Identity{}, ErrCodeInvalid
	case err != nil:
		return Identity{}, err
	}
	id := Identity{Phone: rec.Phone}
	if u != nil {
		id.UserID, id.Roles = u.ID, u.Roles
	}
	return id, nil
}

// SocialVerifier resolves a provider identity to a local user, creating the
// user and the link on first login.
type SocialVerifier struct {
	providers *social.Registry
	store     Store
}

func NewSocialVerifier(providers *social.Registry, store Store) *SocialVerifier {
	return &SocialVerifier{providers: providers, store: store}
}

func (v *SocialVerifier) Verify(ctx context.Context, creds SocialCredentials) (Identity, error) {
	provider, err := v.providers.Get(creds.Provider)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownProvider, creds.Provider)
	}
	grant := social.Grant{AccessToken: strings.TrimSpace(creds.AccessToken), OpenID: strings.TrimSpace(creds.OpenID)}
	if code := strings.TrimSpace(creds.Code); code != "" {
		grant, err = provider.ExchangeCode(ctx, code)
		if err != nil {
			return Identity{}, socialError(err)
		}
	} else if grant.AccessToken == "" {
		return Identity{}, fmt.Errorf("%w: code or access_token is required", ErrSocialAuthFailed)
	}
	profile, err := provider.Profile(ctx, grant)
	if err != nil {
		return Identity{}, socialError(err)
	}
	u, err := v.resolve(ctx, profile)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, Roles: u.Roles}, nil
}

func (v *SocialVerifier) resolve(ctx context.Context, p social.Profile) (*User, error) {
	// A concurrent first login can link the account between Find and
	// CreateWithUser; the second pass then finds it.
	for attempt := 0; attempt < 2; attempt++ {
		acc, err := v.store.SocialAccounts().Find(ctx, p.Provider, p.ID)
		if err == nil {
			return v.store.Users().Find(ctx, acc.UserID)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("find social account: %w", err)
		}
		u := &User{Name: socialUserName(p), Email: strings.ToLower(strings.TrimSpace(p.Email))}
		acc = SocialAccount{Provider: p.Provider, ProviderUserID: p.ID, UnionID: p.UnionID}
		err = v.store.SocialAccounts().CreateWithUser(ctx, u, &acc)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("create social user: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: account link conflict", ErrSocialAuthFailed)
}

// socialUserName derives a handle for a first-time social user. Nicknames
// are neither unique nor guaranteed to satisfy the name rules.
func socialUserName(p social.Profile) string {
	id := ids.New()
	return p.Provider + "_" + strings.ToLower(id[len(id)-12:])
}

func socialError(err error) error {
	if errors.Is(err, social.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrSocialAuthFailed, err)
}
