package auth

import "time"

// User is a forum account. PasswordHash is always a bcrypt hash; raw passwords
// only enter through NewUser and SetPassword.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	Introduction string    `json:"introduction,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Identity is what a successful verification yields. Handlers pass it
// explicitly to the services that act on behalf of the caller.
type Identity struct {
	UserID string
	Roles  []string
	// Phone is set by the verification-code path, where no user exists yet.
	Phone string
}

// VerificationCode is a single-use code sent out of band to Phone.
type VerificationCode struct {
	Key        string
	Phone      string
	Code       string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	// Attempts counts wrong guesses against this code.
	Attempts int
}

// TokenRecord is the persisted state of an issued bearer token, keyed by its jti.
type TokenRecord struct {
	ID         string
	UserID     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Token is an issued bearer token together with its bookkeeping fields.
type Token struct {
	Value     string
	ID        string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SocialAccount links a provider identity to a local user.
type SocialAccount struct {
	Provider       string
	ProviderUserID string
	UnionID        string
	UserID         string
	CreatedAt      time.Time
}
