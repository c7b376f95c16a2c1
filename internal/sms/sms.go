// Package sms delivers text messages through a gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"larabbs.org/internal/obs"
)

var (
	// ErrGatewayUnavailable means the gateway could not be reached or failed.
	ErrGatewayUnavailable = errors.New("sms: gateway unavailable")
	// ErrRejected means the gateway refused the message (bad number, quota).
	ErrRejected = errors.New("sms: message rejected")
)

// Sender sends message to phone.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// LogSender writes messages to the service log instead of sending them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, phone, message string) error {
	obs.Info("sms_sent", "phone", phone, "message", message, "sender", "log")
	return nil
}

const defaultTimeout = 5 * time.Second

// HTTPSender posts {"phone", "message"} as JSON to a gateway URL.
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
}

// HTTPSenderConfig configures HTTPSender.
type HTTPSenderConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPSender(cfg HTTPSenderConfig) (*HTTPSender, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("sms: gateway url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSender{url: url, token: strings.TrimSpace(cfg.Token), client: client}, nil
}

func (s *HTTPSender) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(map[string]string{"phone": phone, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}
