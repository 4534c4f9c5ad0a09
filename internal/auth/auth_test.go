package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRequest(t *testing.T, headers map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/engines", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestAPIKeyAuthenticatorHeaders(t *testing.T) {
	a := NewAPIKeyAuthenticator([]string{"ops:sk_topsecret"})

	cases := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"x-api-key", map[string]string{"X-API-Key": "sk_topsecret"}, true},
		{"bearer", map[string]string{"Authorization": "Bearer sk_topsecret"}, true},
		{"apikey scheme", map[string]string{"Authorization": "ApiKey sk_topsecret"}, true},
		{"wrong key", map[string]string{"X-API-Key": "sk_nope"}, false},
		{"no header", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := a.Authenticate(newRequest(t, tc.headers))
			if (id != nil) != tc.want {
				t.Fatalf("authenticated=%v, want %v", id != nil, tc.want)
			}
			if id != nil && id.KeyName != "ops" {
				t.Fatalf("key name = %q, want ops", id.KeyName)
			}
		})
	}
}

func TestAPIKeyAuthenticatorUnnamedKeys(t *testing.T) {
	a := NewAPIKeyAuthenticator([]string{"sk_first", "sk_second"})
	if a.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", a.Len())
	}

	id := a.Authenticate(newRequest(t, map[string]string{"X-API-Key": "sk_second"}))
	if id == nil {
		t.Fatal("expected key-2 to authenticate")
	}
	if id.KeyName != "key-2" {
		t.Fatalf("key name = %q, want key-2", id.KeyName)
	}
}

func TestMiddlewareRejectsWithoutCredentials(t *testing.T) {
	a := NewAPIKeyAuthenticator([]string{"sk_abc"})
	handler := Middleware([]Authenticator{a}, []string{"/health/ready", "/metrics"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/engines", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatal("401 must carry WWW-Authenticate")
	}
}

func TestMiddlewarePublicPaths(t *testing.T) {
	a := NewAPIKeyAuthenticator([]string{"sk_abc"})
	var sawIdentity *Identity
	handler := Middleware([]Authenticator{a}, []string{"/health/ready", "/debug/*"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawIdentity = GetIdentity(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("public path status = %d, want 200", rec.Code)
	}
	if sawIdentity != nil {
		t.Fatal("public path should not attach an identity")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("wildcard public path status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareAttachesIdentity(t *testing.T) {
	a := NewAPIKeyAuthenticator([]string{"ops:sk_abc"})
	var sawIdentity *Identity
	handler := Middleware([]Authenticator{a}, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawIdentity = GetIdentity(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/engines", nil)
	req.Header.Set("X-API-Key", "sk_abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if sawIdentity == nil || sawIdentity.Subject != "apikey:ops" {
		t.Fatalf("identity = %+v, want apikey:ops", sawIdentity)
	}
}

func TestVerifyAPIKey(t *testing.T) {
	hash := hashAPIKey("sk_abc")
	if !VerifyAPIKey("sk_abc", hash) {
		t.Fatal("matching key must verify")
	}
	if VerifyAPIKey("sk_other", hash) {
		t.Fatal("non-matching key must not verify")
	}
}
