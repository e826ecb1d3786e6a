package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("verification must be bounded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, authn *Authenticator, headers map[string]string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := authn.RequireShopper()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		seen = identity
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkout/sessions", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireShopperAcceptsFirebaseToken(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "uid-123",
		Claims: map[string]interface{}{"email": "shopper@example.com", "locale": "fr-RW"},
	}}
	rec, identity := serve(t, NewAuthenticator(verifier), map[string]string{"Authorization": "Bearer id-token"})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if verifier.received != "id-token" {
		t.Fatalf("expected bearer token forwarded, got %q", verifier.received)
	}
	if identity.IsGuest() || identity.Owner() != "uid-123" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	buyer := identity.Buyer()
	if buyer.UserID != "uid-123" || buyer.Email != "shopper@example.com" || buyer.Locale != "fr-RW" {
		t.Fatalf("unexpected buyer %+v", buyer)
	}
	if identity.Token() == nil {
		t.Fatalf("expected decoded token to be retained")
	}
}

func TestRequireShopperAcceptsGuestToken(t *testing.T) {
	rec, identity := serve(t, NewAuthenticator(nil), map[string]string{
		GuestTokenHeader:  "01J9ZK6W4Q8M2X3Y5T7V9B1C3D",
		"Accept-Language": "rw-RW,en;q=0.8",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !identity.IsGuest() {
		t.Fatalf("expected guest identity")
	}
	if identity.Owner() != "guest:01J9ZK6W4Q8M2X3Y5T7V9B1C3D" {
		t.Fatalf("unexpected owner %s", identity.Owner())
	}
	if identity.Buyer().Locale != "rw-RW" {
		t.Fatalf("expected locale from Accept-Language, got %s", identity.Buyer().Locale)
	}
}

func TestRequireShopperRejections(t *testing.T) {
	failing := &stubTokenVerifier{err: errors.New("signature mismatch")}
	cases := []struct {
		name    string
		authn   *Authenticator
		headers map[string]string
		code    string
	}{
		{"no identity", NewAuthenticator(nil), nil, "unauthenticated"},
		{"short guest token", NewAuthenticator(nil), map[string]string{GuestTokenHeader: "abc"}, "invalid_guest_token"},
		{"bearer without verifier", NewAuthenticator(nil), map[string]string{"Authorization": "Bearer x"}, "unauthenticated"},
		{"basic scheme", NewAuthenticator(failing), map[string]string{"Authorization": "Basic x"}, "invalid_token"},
		{"verification failure is not downgraded to guest", NewAuthenticator(failing, WithVerificationTimeout(time.Second)), map[string]string{
			"Authorization":  "Bearer x",
			GuestTokenHeader: "01J9ZK6W4Q8M2X3Y5T7V9B1C3D",
		}, "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, identity := serve(t, tc.authn, tc.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if identity != nil {
				t.Fatalf("handler must not run")
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}
}

func TestRequireShopperTrustedHeader(t *testing.T) {
	authn := NewAuthenticator(nil, WithTrustedUserHeader("X-User-Id"))
	rec, identity := serve(t, authn, map[string]string{"X-User-Id": "user-7"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if identity.Owner() != "user-7" || identity.IsGuest() {
		t.Fatalf("unexpected identity %+v", identity)
	}

	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-1"}}
	rec, _ = serve(t, NewAuthenticator(verifier, WithTrustedUserHeader("X-User-Id")), map[string]string{"X-User-Id": "user-7"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("trusted header must be ignored when a verifier is configured, got %d", rec.Code)
	}
}

func TestRequireShopperReportsVerifierTimeoutAsUnavailable(t *testing.T) {
	verifier := &stubTokenVerifier{err: context.DeadlineExceeded}
	rec, _ := serve(t, NewAuthenticator(verifier), map[string]string{"Authorization": "Bearer slow"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if msg := rec.Body.String(); !json.Valid([]byte(msg)) || errorCode(t, rec) != "unauthenticated" {
		t.Fatalf("expected unavailable auth error, got %s", msg)
	}
}

func TestFirstLanguageHonoursWeights(t *testing.T) {
	if got := firstLanguage("en;q=0.3, rw-RW;q=0.9"); got != "rw-RW" {
		t.Fatalf("expected highest weighted tag, got %q", got)
	}
	if got := firstLanguage(";;"); got != "" {
		t.Fatalf("expected malformed header ignored, got %q", got)
	}
}
