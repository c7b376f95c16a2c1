// Package audit writes security-relevant events as JSON lines on the shared
// service logger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"larabbs.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

var now = time.Now

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry. actorID is the user on whose behalf the
// event happened; it is empty for anonymous actions such as sending a code.
func LogEvent(ctx context.Context, event, actorID string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actorID = strings.TrimSpace(actorID); actorID != "" {
		entry["actor_id"] = actorID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
