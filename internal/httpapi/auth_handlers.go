package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"larabbs.org/internal/auth"
)

type captchaRequest struct {
	Phone string `json:"phone"`
}

type captchaResponse struct {
	CaptchaKey   string    `json:"captcha_key"`
	ExpiredAt    time.Time `json:"expired_at"`
	CaptchaImage string    `json:"captcha_image_content"`
}

type verificationCodeRequest struct {
	CaptchaKey  string `json:"captcha_key"`
	CaptchaCode string `json:"captcha_code"`
}

type verificationCodeResponse struct {
	Key       string    `json:"key"`
	ExpiredAt time.Time `json:"expired_at"`
}

type registerRequest struct {
	Name             string `json:"name"`
	Password         string `json:"password"`
	Email            string `json:"email"`
	VerificationKey  string `json:"verification_key"`
	VerificationCode string `json:"verification_code"`
}

type loginRequest struct {
	// Username is an email address, a phone number or a user name.
	Username string `json:"username"`
	Password string `json:"password"`
}

type socialLoginRequest struct {
	Code        string `json:"code"`
	AccessToken string `json:"access_token"`
	OpenID      string `json:"openid"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) tokenBody(tok auth.Token) tokenResponse {
	return tokenResponse{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.auth.Tokens().TTL() / time.Second),
		ExpiresAt:   tok.ExpiresAt,
	}
}

func (a *API) handleCaptchas(w http.ResponseWriter, r *http.Request) {
	var req captchaRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ch, err := a.captcha.Issue(r.Context(), req.Phone)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, captchaResponse{
		CaptchaKey:   ch.Key,
		ExpiredAt:    ch.ExpiresAt,
		CaptchaImage: ch.Image,
	})
}

func (a *API) handleVerificationCodes(w http.ResponseWriter, r *http.Request) {
	var req verificationCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CaptchaKey) == "" || strings.TrimSpace(req.CaptchaCode) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "captcha_key and captcha_code are required")
		return
	}
	phone, err := a.captcha.Check(r.Context(), req.CaptchaKey, req.CaptchaCode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sent, err := a.auth.SendCode(r.Context(), phone)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, verificationCodeResponse{Key: sent.Key, ExpiredAt: sent.ExpiresAt})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.VerificationKey) == "" || strings.TrimSpace(req.VerificationCode) == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "verification_key and verification_code are required")
		return
	}
	u, err := a.auth.Register(r.Context(), auth.RegisterInput{
		VerificationKey:  req.VerificationKey,
		VerificationCode: req.VerificationCode,
		Name:             req.Name,
		Password:         req.Password,
		Email:            req.Email,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/user")
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleSocialAuthorizations(w http.ResponseWriter, r *http.Request) {
	var req socialLoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	tok, err := a.auth.SocialLogin(r.Context(), auth.SocialCredentials{
		Provider:    r.PathValue("type"),
		Code:        req.Code,
		AccessToken: req.AccessToken,
		OpenID:      req.OpenID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.tokenBody(tok))
}

func (a *API) handleAuthorizations(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "username and password are required")
		return
	}
	tok, err := a.auth.Login(r.Context(), auth.PasswordCredentials{Login: req.Username, Password: req.Password})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.tokenBody(tok))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, token, ok := caller(r)
	if !ok {
		writeUnauthorized(w, r, "", "missing bearer token")
		return
	}
	tok, err := a.auth.Refresh(r.Context(), id, token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.tokenBody(tok))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, token, ok := caller(r)
	if !ok {
		writeUnauthorized(w, r, "", "missing bearer token")
		return
	}
	if err := a.auth.Logout(r.Context(), id, token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	id, _, ok := caller(r)
	if !ok {
		writeUnauthorized(w, r, "", "missing bearer token")
		return
	}
	n, err := a.auth.LogoutEverywhere(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	id, _, ok := caller(r)
	if !ok {
		writeUnauthorized(w, r, "", "missing bearer token")
		return
	}
	u, err := a.auth.CurrentUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// decodeRequest decodes a JSON body into dst and answers 400 (413 for an
// oversized body) when it cannot.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(r, dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, r, http.StatusBadRequest, "malformed JSON body: "+err.Error())
	return false
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
