// ABOUTME: Tests for the auth HTTP middlewares
// ABOUTME: Covers bearer extraction, identity propagation, and the agent role guard

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newRequestWithToken(t *testing.T, v *JWTVerifier, identity *Identity) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if identity != nil {
		token, err := v.Generate(identity, time.Hour)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	var got *Identity
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := newRequestWithToken(t, v, &Identity{UserID: "citizen-1", Role: RoleCitizen, Name: "Juan"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	if got == nil {
		t.Fatal("identity not propagated to handler context")
	}
	if got.UserID != "citizen-1" {
		t.Errorf("UserID: got %q, want %q", got.UserID, "citizen-1")
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be called without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be called")
	}))

	for _, header := range []string{"Basic abc", "Bearer ", "token"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status got %d, want %d", header, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireAgent_AllowsCSM(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	called := false
	handler := Middleware(v)(RequireAgent()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	req := newRequestWithToken(t, v, &Identity{UserID: "agent-1", Role: RoleCSM})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	if !called {
		t.Error("handler was not called for csm identity")
	}
}

func TestRequireAgent_RejectsCitizen(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	handler := Middleware(v)(RequireAgent()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be called for citizen identity")
	})))

	req := newRequestWithToken(t, v, &Identity{UserID: "citizen-1", Role: RoleCitizen})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRequireAgent_NoIdentity(t *testing.T) {
	handler := RequireAgent()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
