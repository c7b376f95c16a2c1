package social

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	githubOAuthURL = "https://github.com"
	githubAPIURL   = "https://api.github.com"
)

// GitHubConfig holds OAuth app credentials.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	// OAuthURL and APIURL override the hosts (tests).
	OAuthURL string
	APIURL   string
}

// GitHub implements Provider for GitHub OAuth apps.
type GitHub struct {
	cfg    GitHubConfig
	client *jsonClient
}

// NewGitHub builds the GitHub provider.
func NewGitHub(cfg GitHubConfig, opts ClientOptions) *GitHub {
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = githubOAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = githubAPIURL
	}
	cfg.OAuthURL = strings.TrimRight(cfg.OAuthURL, "/")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &GitHub{cfg: cfg, client: newJSONClient("github", opts)}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) ExchangeCode(ctx context.Context, code string) (Grant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Grant{}, fmt.Errorf("%w: code is empty", ErrRejected)
	}
	form := url.Values{}
	form.Set("client_id", g.cfg.ClientID)
	form.Set("client_secret", g.cfg.ClientSecret)
	form.Set("code", code)
	var resp struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	err := g.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.OAuthURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, &resp)
	if err != nil {
		return Grant{}, err
	}
	if resp.Error != "" {
		return Grant{}, fmt.Errorf("%w: github %s: %s", ErrRejected, resp.Error, resp.ErrorDescription)
	}
	if resp.AccessToken == "" {
		return Grant{}, fmt.Errorf("%w: github returned no access token", ErrRejected)
	}
	return Grant{AccessToken: resp.AccessToken}, nil
}

func (g *GitHub) Profile(ctx context.Context, grant Grant) (Profile, error) {
	if grant.AccessToken == "" {
		return Profile{}, fmt.Errorf("%w: access token is empty", ErrRejected)
	}
	var resp struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	err := g.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.APIURL+"/user", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+grant.AccessToken)
		return req, nil
	}, &resp)
	if err != nil {
		return Profile{}, err
	}
	if resp.ID == 0 {
		return Profile{}, fmt.Errorf("%w: github returned no user id", ErrRejected)
	}
	nickname := resp.Login
	if nickname == "" {
		nickname = resp.Name
	}
	return Profile{
		Provider: g.Name(),
		ID:       strconv.FormatInt(resp.ID, 10),
		Nickname: nickname,
		Email:    resp.Email,
		Avatar:   resp.AvatarURL,
	}, nil
}
