package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)

// Credential errors. Clients must supply new input before retrying.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrCodeInvalid        = errors.New("auth: verification code invalid")
	ErrCodeExpired        = errors.New("auth: verification code expired")
	ErrSocialAuthFailed   = errors.New("auth: social authorization failed")
	ErrUnknownProvider    = errors.New("auth: unknown social provider")
)

// ErrUpstreamUnavailable reports that an external provider (SMS gateway,
// social login) could not be reached within the retry budget.
var ErrUpstreamUnavailable = errors.New("auth: upstream unavailable")

// Token errors. The client has to authenticate again.
var (
	ErrTokenNotFound = errors.New("auth: token not found")
	ErrTokenExpired  = errors.New("auth: token expired")
	ErrTokenRevoked  = errors.New("auth: token revoked")
)

// ErrDuplicateToken is returned by TokenStore.Create on an id collision.
// Tokens regenerates on it; it is not meant to reach clients.
var ErrDuplicateToken = errors.New("auth: duplicate token")
