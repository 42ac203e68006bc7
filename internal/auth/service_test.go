package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newKeyService(t *testing.T) *Service {
	t.Helper()
	opsHash, err := HashKey("ops-secret")
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	readerHash, err := HashKey("reader-secret")
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	oldHash, err := HashKey("old-secret")
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	svc, err := NewService(Config{
		Mode: ModeAPIKey,
		Keys: []KeyConfig{
			{Name: "ops", Hash: opsHash, Permissions: []string{"*"}},
			{Name: "reader", Hash: readerHash, Permissions: []string{PermRead}},
			{Name: "old", Hash: oldHash, Permissions: []string{"*"}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newKeyService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer reader-secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "reader" || !subject.HasPermission(PermRead) || subject.HasPermission(PermSubmit) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if _, err := svc.AuthenticateRequest(ctx, "ops-secret"); err != nil {
		t.Fatalf("raw key should authenticate: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "old-secret"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	if _, err := NewService(Config{Mode: "jwt"}); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
	if _, err := NewService(Config{Mode: ModeAPIKey}); err == nil {
		t.Fatalf("expected error without keys")
	}
	if _, err := NewService(Config{Mode: ModeAPIKey, Keys: []KeyConfig{{Name: "x", Hash: "plain"}}}); err == nil {
		t.Fatalf("expected malformed hash error")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newKeyService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermSubmit},
		"*":             {PermRead},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		method string
		header string
		key    string
		want   int
	}{
		{"missing", http.MethodGet, "", "", http.StatusUnauthorized},
		{"reader get", http.MethodGet, "Bearer reader-secret", "", http.StatusAccepted},
		{"reader post", http.MethodPost, "Bearer reader-secret", "", http.StatusForbidden},
		{"ops post via header", http.MethodPost, "", "ops-secret", http.StatusAccepted},
		{"disabled key", http.MethodGet, "Bearer old-secret", "", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/jobs", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
	if seen == nil || seen.Name != "ops" {
		t.Fatalf("subject not propagated: %+v", seen)
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected passthrough, got %d", rec.Code)
	}
}
