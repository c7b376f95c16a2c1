package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"larabbs.org/internal/audit"
	"larabbs.org/internal/social"
)

// Service composes the verifiers, the code sender and token lifecycle into
// the operations exposed over HTTP. Every method that acts for a caller takes
// the caller's Identity as an argument.
type Service struct {
	store     Store
	tokens    *Tokens
	passwords *PasswordVerifier
	codes     *CodeVerifier
	socials   *SocialVerifier
	sender    *Codes
}

// ServiceConfig wires Service dependencies.
type ServiceConfig struct {
	Store     Store
	Tokens    *Tokens
	Codes     *Codes
	Providers *social.Registry
}

// NewService constructs Service. Providers may be nil when social login is disabled.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("auth: tokens are required")
	}
	if cfg.Codes == nil {
		return nil, errors.New("auth: code sender is required")
	}
	providers := cfg.Providers
	if providers == nil {
		providers = social.NewRegistry()
	}
	return &Service{
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		passwords: NewPasswordVerifier(cfg.Store.Users()),
		codes:     NewCodeVerifier(cfg.Store.Codes(), cfg.Tokens.now),
		socials:   NewSocialVerifier(providers, cfg.Store),
		sender:    cfg.Codes,
	}, nil
}

// Tokens exposes the token lifecycle (used by the gRPC verifier).
func (s *Service) Tokens() *Tokens { return s.tokens }

// SendCode issues a verification code for phone.
func (s *Service) SendCode(ctx context.Context, phone string) (SentCode, error) {
	return s.sender.Send(ctx, phone)
}

// RegisterInput is the allow-listed set of registration fields.
type RegisterInput struct {
	VerificationKey  string
	VerificationCode string
	Name             string
	Password         string
	Email            string
}

// Register creates a user for the phone proven by the verification code.
// The code is consumed only if the user is created, so neither a typo in
// the name nor a taken name burns it.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	u, err := NewUser(NewUserInput{Name: in.Name, Password: in.Password, Email: in.Email})
	if err != nil {
		return nil, err
	}
	_, err = s.codes.Redeem(ctx, CodeCredentials{Key: in.VerificationKey, Code: in.VerificationCode}, u)
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return nil, fmt.Errorf("%w: name, phone or email already registered", ErrAlreadyExists)
	case errors.Is(err, ErrCodeInvalid), errors.Is(err, ErrCodeExpired):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("create user: %w", err)
	}
	_ = audit.LogEvent(ctx, "user.registered", u.ID, map[string]any{"name": u.Name})
	return u, nil
}

// Login verifies a password and issues a token.
func (s *Service) Login(ctx context.Context, creds PasswordCredentials) (Token, error) {
	id, err := s.passwords.Verify(ctx, creds)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			_ = audit.LogEvent(ctx, "login.failed", "", map[string]any{"method": "password"})
		}
		return Token{}, err
	}
	return s.issue(ctx, id, "password")
}

// SocialLogin verifies a provider credential and issues a token.
func (s *Service) SocialLogin(ctx context.Context, creds SocialCredentials) (Token, error) {
	id, err := s.socials.Verify(ctx, creds)
	if err != nil {
		return Token{}, err
	}
	return s.issue(ctx, id, strings.ToLower(creds.Provider))
}

func (s *Service) issue(ctx context.Context, id Identity, method string) (Token, error) {
	tok, err := s.tokens.Issue(ctx, id)
	if err != nil {
		return Token{}, err
	}
	_ = audit.LogEvent(ctx, "token.issued", id.UserID, map[string]any{"jti": tok.ID, "method": method})
	return tok, nil
}

// Authenticate verifies a bearer token value.
func (s *Service) Authenticate(ctx context.Context, value string) (Identity, error) {
	return s.tokens.Verify(ctx, value)
}

// Refresh rotates the caller's token.
func (s *Service) Refresh(ctx context.Context, caller Identity, value string) (Token, error) {
	tok, err := s.tokens.Refresh(ctx, value)
	if err != nil {
		return Token{}, err
	}
	_ = audit.LogEvent(ctx, "token.refreshed", caller.UserID, map[string]any{"jti": tok.ID})
	return tok, nil
}

// Logout revokes the caller's token.
func (s *Service) Logout(ctx context.Context, caller Identity, value string) error {
	if err := s.tokens.Revoke(ctx, value); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "token.revoked", caller.UserID, nil)
	return nil
}

// LogoutEverywhere revokes every live token of the caller.
func (s *Service) LogoutEverywhere(ctx context.Context, caller Identity) (int, error) {
	n, err := s.tokens.RevokeAll(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	_ = audit.LogEvent(ctx, "token.revoked_all", caller.UserID, map[string]any{"count": n})
	return n, nil
}

// CurrentUser loads the caller's user record.
func (s *Service) CurrentUser(ctx context.Context, caller Identity) (*User, error) {
	if caller.UserID == "" {
		return nil, ErrTokenNotFound
	}
	u, err := s.store.Users().Find(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The token outlived its user.
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return u, nil
}
