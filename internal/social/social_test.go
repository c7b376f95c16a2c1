package social

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastOpts() ClientOptions {
	return ClientOptions{Timeout: time.Second, MaxRetries: 2, BaseDelay: time.Millisecond}
}

func TestWeixinExchangeAndProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sns/oauth2/access_token":
			if r.URL.Query().Get("code") != "good-code" {
				_, _ = w.Write([]byte(`{"errcode":40029,"errmsg":"invalid code"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"wx-token","openid":"o-123"}`))
		case "/sns/userinfo":
			if r.URL.Query().Get("access_token") != "wx-token" || r.URL.Query().Get("openid") != "o-123" {
				_, _ = w.Write([]byte(`{"errcode":40001,"errmsg":"invalid credential"}`))
				return
			}
			_, _ = w.Write([]byte(`{"openid":"o-123","unionid":"u-9","nickname":"Summer"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewWeixin(WeixinConfig{AppID: "app", AppSecret: "secret", BaseURL: srv.URL}, fastOpts())
	grant, err := p.ExchangeCode(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	profile, err := p.Profile(context.Background(), grant)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.ID != "o-123" || profile.UnionID != "u-9" || profile.Nickname != "Summer" {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	if _, err := p.ExchangeCode(context.Background(), "bad-code"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if _, err := p.Profile(context.Background(), Grant{AccessToken: "wx-token"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected without openid, got %v", err)
	}
}

func TestGitHubProfileRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":42,"login":"octo","email":"octo@example.com"}`))
	}))
	defer srv.Close()

	p := NewGitHub(GitHubConfig{APIURL: srv.URL, OAuthURL: srv.URL}, fastOpts())
	profile, err := p.Profile(context.Background(), Grant{AccessToken: "gh-token"})
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.ID != "42" || profile.Nickname != "octo" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGitHubRejectsUnauthorizedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewGitHub(GitHubConfig{APIURL: srv.URL}, fastOpts())
	_, err := p.Profile(context.Background(), Grant{AccessToken: "expired"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestExhaustedRetriesReportUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewGitHub(GitHubConfig{APIURL: srv.URL}, fastOpts())
	_, err := p.Profile(context.Background(), Grant{AccessToken: "t"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSlowProviderTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewGitHub(GitHubConfig{APIURL: srv.URL}, ClientOptions{Timeout: 20 * time.Millisecond, MaxRetries: 1, BaseDelay: time.Millisecond})
	start := time.Now()
	_, err := p.Profile(context.Background(), Grant{AccessToken: "t"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not bounded: %s", time.Since(start))
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewGitHub(GitHubConfig{}, ClientOptions{}), NewWeixin(WeixinConfig{}, ClientOptions{}))
	if _, err := r.Get("GitHub"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get("qq"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "github" || names[1] != "weixin" {
		t.Fatalf("unexpected names: %v", names)
	}
}
