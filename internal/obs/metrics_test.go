package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/socials/weixin/authorizations":   "/v1/socials/:type/authorizations",
		"/v1/socials/github/authorizations/":  "/v1/socials/:type/authorizations",
		"/v1/socials/github/other":            "/v1/socials/github/other",
		"/v1/authorizations/current":          "/v1/authorizations/current",
		"/v1/authorizations/current?debug=1":  "/v1/authorizations/current",
		"/v1/users":                           "/v1/users",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/users", "201"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/users", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "/v1/users", "201"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestLogWritesJSONLine(t *testing.T) {
	l := Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	Error("sms send failed", "phone", "+15550001111", "err", errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["level"] != "error" || entry["msg"] != "sms send failed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["err"] != "boom" {
		t.Fatalf("expected error text, got %v", entry["err"])
	}
}
