// Package social talks to third-party login providers. Each provider turns
// an authorization code or access token into a Profile; the auth package
// maps profiles to local users.
package social

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrRejected means the provider refused the presented credentials.
	ErrRejected = errors.New("social: provider rejected credentials")
	// ErrUnavailable means the provider could not be reached in time.
	ErrUnavailable = errors.New("social: provider unavailable")
	// ErrUnknownProvider is returned by Registry.Get for unregistered names.
	ErrUnknownProvider = errors.New("social: unknown provider")
)

// Grant is an access token obtained from a provider.
type Grant struct {
	AccessToken string
	// OpenID is the provider-scoped user id some providers (weixin) return with the token.
	OpenID string
}

// Profile is the provider's view of the user.
type Profile struct {
	Provider string
	ID       string
	UnionID  string
	Nickname string
	Email    string
	Avatar   string
}

// Provider is one social login backend.
type Provider interface {
	Name() string
	// ExchangeCode trades an OAuth authorization code for a Grant.
	ExchangeCode(ctx context.Context, code string) (Grant, error)
	// Profile fetches the user behind g.
	Profile(ctx context.Context, g Grant) (Profile, error)
}

// Registry holds providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry registers the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces p.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
