package social

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const weixinBaseURL = "https://api.weixin.qq.com"

// WeixinConfig holds the WeChat open platform application credentials.
type WeixinConfig struct {
	AppID     string
	AppSecret string
	// BaseURL overrides the API host (tests).
	BaseURL string
}

// Weixin implements Provider for WeChat web login.
type Weixin struct {
	cfg    WeixinConfig
	client *jsonClient
}

// NewWeixin builds the WeChat provider.
func NewWeixin(cfg WeixinConfig, opts ClientOptions) *Weixin {
	if cfg.BaseURL == "" {
		cfg.BaseURL = weixinBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Weixin{cfg: cfg, client: newJSONClient("weixin", opts)}
}

func (w *Weixin) Name() string { return "weixin" }

type weixinError struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e weixinError) err() error {
	if e.ErrCode == 0 {
		return nil
	}
	return fmt.Errorf("%w: weixin errcode %d: %s", ErrRejected, e.ErrCode, e.ErrMsg)
}

func (w *Weixin) ExchangeCode(ctx context.Context, code string) (Grant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Grant{}, fmt.Errorf("%w: code is empty", ErrRejected)
	}
	q := url.Values{}
	q.Set("appid", w.cfg.AppID)
	q.Set("secret", w.cfg.AppSecret)
	q.Set("code", code)
	q.Set("grant_type", "authorization_code")
	var resp struct {
		weixinError
		AccessToken string `json:"access_token"`
		OpenID      string `json:"openid"`
	}
	err := w.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"/sns/oauth2/access_token?"+q.Encode(), nil)
	}, &resp)
	if err != nil {
		return Grant{}, err
	}
	if err := resp.err(); err != nil {
		return Grant{}, err
	}
	if resp.AccessToken == "" || resp.OpenID == "" {
		return Grant{}, fmt.Errorf("%w: weixin returned no access token", ErrRejected)
	}
	return Grant{AccessToken: resp.AccessToken, OpenID: resp.OpenID}, nil
}

func (w *Weixin) Profile(ctx context.Context, g Grant) (Profile, error) {
	if g.AccessToken == "" || g.OpenID == "" {
		return Profile{}, fmt.Errorf("%w: weixin requires access_token and openid", ErrRejected)
	}
	q := url.Values{}
	q.Set("access_token", g.AccessToken)
	q.Set("openid", g.OpenID)
	var resp struct {
		weixinError
		OpenID     string `json:"openid"`
		UnionID    string `json:"unionid"`
		Nickname   string `json:"nickname"`
		HeadImgURL string `json:"headimgurl"`
	}
	err := w.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"/sns/userinfo?"+q.Encode(), nil)
	}, &resp)
	if err != nil {
		return Profile{}, err
	}
	if err := resp.err(); err != nil {
		return Profile{}, err
	}
	if resp.OpenID == "" {
		return Profile{}, fmt.Errorf("%w: weixin returned no openid", ErrRejected)
	}
	return Profile{
		Provider: w.Name(),
		ID:       resp.OpenID,
		UnionID:  resp.UnionID,
		Nickname: resp.Nickname,
		Avatar:   resp.HeadImgURL,
	}, nil
}
