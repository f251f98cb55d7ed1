package authmw

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		tokens     []string
		header     string
		wantStatus int
	}{
		{"valid token", []string{"secret-token-123"}, "Bearer secret-token-123", http.StatusOK},
		{"second of two tokens", []string{"old", "new"}, "Bearer new", http.StatusOK},
		{"first of two tokens", []string{"old", "new"}, "Bearer old", http.StatusOK},
		{"missing header", []string{"secret"}, "", http.StatusUnauthorized},
		{"basic auth", []string{"secret"}, "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase bearer", []string{"secret"}, "bearer secret", http.StatusUnauthorized},
		{"no prefix", []string{"secret"}, "secret", http.StatusUnauthorized},
		{"wrong token", []string{"correct-token"}, "Bearer wrong-token", http.StatusUnauthorized},
		{"partial match", []string{"correct-token"}, "Bearer correct", http.StatusUnauthorized},
		{"token with suffix", []string{"correct-token"}, "Bearer correct-token-extra", http.StatusUnauthorized},
		{"empty presented token", []string{"correct-token"}, "Bearer ", http.StatusUnauthorized},
		{"no tokens configured", nil, "Bearer ", http.StatusUnauthorized},
		{"blank configured token never matches", []string{"  "}, "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := BearerToken(tt.tokens...)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Code == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
					t.Errorf("WWW-Authenticate = %q", got)
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q", ct)
				}
			}
		})
	}
}

func TestBearerToken_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	h := BearerToken("tok")(inner)

	req := httptest.NewRequest(http.MethodPost, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestSplitTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , ,b ,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		if got := SplitTokens(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("SplitTokens(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
