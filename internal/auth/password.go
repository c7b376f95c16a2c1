package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	// bcrypt only reads the first 72 bytes.
	maxPasswordBytes = 72
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,25}$`)

// dummyHash is compared against when a login names no existing user, so both
// branches pay for one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("larabbs-dummy-password"), bcrypt.DefaultCost)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// NewUserInput lists the fields a client may set at registration.
type NewUserInput struct {
	Name     string
	Password string
	Phone    string
	Email    string
}

// NewUser validates input and builds a user with a hashed password.
func NewUser(in NewUserInput) (*User, error) {
	name := strings.TrimSpace(in.Name)
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: name must be 3-25 letters, digits, '-' or '_'", ErrInvalidInput)
	}
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email != "" && !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	u := &User{
		Name:  name,
		Email: email,
		Phone: strings.TrimSpace(in.Phone),
	}
	if err := SetPassword(u, in.Password); err != nil {
		return nil, err
	}
	return u, nil
}

// SetPassword hashes raw and stores it on u.
func SetPassword(u *User, raw string) error {
	if utf8.RuneCountInString(raw) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(raw) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	hash, err := HashPassword(raw)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hash
	return nil
}
