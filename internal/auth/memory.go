package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"larabbs.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process. A single lock guards every map so
// multi-record operations (Rotate, CreateWithUser) are atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	users   map[string]*User
	codes   map[string]*VerificationCode
	tokens  map[string]*TokenRecord
	socials map[string]*SocialAccount
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		users:   make(map[string]*User),
		codes:   make(map[string]*VerificationCode),
		tokens:  make(map[string]*TokenRecord),
		socials: make(map[string]*SocialAccount),
	}
}

func (s *MemoryStore) Users() UserStore                   { return memUsers{s} }
func (s *MemoryStore) Codes() CodeStore                   { return memCodes{s} }
func (s *MemoryStore) Tokens() TokenStore                 { return memTokens{s} }
func (s *MemoryStore) SocialAccounts() SocialAccountStore { return memSocials{s} }

// Prune drops verification codes and token records that expired before now
// and returns how many were removed.
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, code := range s.codes {
		if !now.Before(code.ExpiresAt) {
			delete(s.codes, key)
			n++
		}
	}
	for id, rec := range s.tokens {
		if !now.Before(rec.ExpiresAt) {
			delete(s.tokens, id)
			n++
		}
	}
	return n
}

// Users -------------------------------------------------------------------

type memUsers struct{ s *MemoryStore }

func (m memUsers) Create(ctx context.Context, u *User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.insertUserLocked(u)
}

func (s *MemoryStore) insertUserLocked(u *User) error {
	for _, existing := range s.users {
		if strings.EqualFold(existing.Name, u.Name) ||
			(u.Phone != "" && existing.Phone == u.Phone) ||
			(u.Email != "" && strings.EqualFold(existing.Email, u.Email)) {
			return ErrAlreadyExists
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, ok := s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := copyUser(u)
	s.users[u.ID] = cp
	return nil
}

func (m memUsers) Find(ctx context.Context, id string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m memUsers) FindByLogin(ctx context.Context, login string) (*User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, ErrNotFound
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	match := func(pred func(*User) bool) *User {
		for _, u := range m.s.users {
			if pred(u) {
				return copyUser(u)
			}
		}
		return nil
	}
	if u := match(func(u *User) bool { return u.Email != "" && strings.EqualFold(u.Email, login) }); u != nil {
		return u, nil
	}
	if u := match(func(u *User) bool { return u.Phone != "" && u.Phone == login }); u != nil {
		return u, nil
	}
	if u := match(func(u *User) bool { return strings.EqualFold(u.Name, login) }); u != nil {
		return u, nil
	}
	return nil, ErrNotFound
}

func copyUser(u *User) *User {
	cp := *u
	if u.Roles != nil {
		cp.Roles = append([]string(nil), u.Roles...)
	}
	return &cp
}

// Codes -------------------------------------------------------------------

type memCodes struct{ s *MemoryStore }

func (m memCodes) Create(ctx context.Context, code *VerificationCode) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if code.Key == "" {
		code.Key = ids.New()
	}
	if _, ok := m.s.codes[code.Key]; ok {
		return ErrAlreadyExists
	}
	cp := *code
	m.s.codes[code.Key] = &cp
	return nil
}

func (m memCodes) Consume(ctx context.Context, key string, at time.Time, check func(VerificationCode) error, u *User) (VerificationCode, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	code, ok := m.s.codes[key]
	if !ok {
		return VerificationCode{}, ErrNotFound
	}
	if err := check(*code); err != nil {
		if errors.Is(err, errCodeMismatch) {
			code.Attempts++
		}
		return *code, err
	}
	if u != nil {
		if err := m.s.insertUserLocked(u); err != nil {
			return *code, err
		}
	}
	consumed := at
	code.ConsumedAt = &consumed
	return *code, nil
}

// Tokens ------------------------------------------------------------------

type memTokens struct{ s *MemoryStore }

func (m memTokens) Create(ctx context.Context, rec *TokenRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.insertTokenLocked(rec)
}

func (s *MemoryStore) insertTokenLocked(rec *TokenRecord) error {
	if _, ok := s.tokens[rec.ID]; ok {
		return ErrDuplicateToken
	}
	cp := *rec
	s.tokens[rec.ID] = &cp
	return nil
}

func (m memTokens) Find(ctx context.Context, id string) (TokenRecord, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	rec, ok := m.s.tokens[id]
	if !ok {
		return TokenRecord{}, ErrTokenNotFound
	}
	return *rec, nil
}

func (m memTokens) Revoke(ctx context.Context, id string, at time.Time, check func(TokenRecord) error) (TokenRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rec, ok := m.s.tokens[id]
	if !ok {
		return TokenRecord{}, ErrTokenNotFound
	}
	if err := check(*rec); err != nil {
		return TokenRecord{}, err
	}
	if rec.RevokedAt == nil {
		revoked := at
		rec.RevokedAt = &revoked
	}
	return *rec, nil
}

func (m memTokens) Rotate(ctx context.Context, oldID string, at time.Time, next *TokenRecord, check func(TokenRecord) error) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	old, ok := m.s.tokens[oldID]
	if !ok {
		return ErrTokenNotFound
	}
	if err := check(*old); err != nil {
		return err
	}
	if err := m.s.insertTokenLocked(next); err != nil {
		return err
	}
	revoked := at
	old.RevokedAt = &revoked
	old.ReplacedBy = next.ID
	return nil
}

func (m memTokens) RevokeByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for _, rec := range m.s.tokens {
		if rec.UserID != userID || rec.RevokedAt != nil || !at.Before(rec.ExpiresAt) {
			continue
		}
		revoked := at
		rec.RevokedAt = &revoked
		n++
	}
	return n, nil
}

// Social accounts ---------------------------------------------------------

type memSocials struct{ s *MemoryStore }

func socialKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

func (m memSocials) Find(ctx context.Context, provider, providerUserID string) (SocialAccount, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	acc, ok := m.s.socials[socialKey(provider, providerUserID)]
	if !ok {
		return SocialAccount{}, ErrNotFound
	}
	return *acc, nil
}

func (m memSocials) CreateWithUser(ctx context.Context, u *User, acc *SocialAccount) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := socialKey(acc.Provider, acc.ProviderUserID)
	if _, ok := m.s.socials[key]; ok {
		return ErrAlreadyExists
	}
	if err := m.s.insertUserLocked(u); err != nil {
		return err
	}
	acc.UserID = u.ID
	acc.CreatedAt = m.s.now().UTC()
	cp := *acc
	m.s.socials[key] = &cp
	return nil
}
