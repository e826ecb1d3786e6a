package auth

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"golang.org/x/text/language"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
)

const (
	// GuestTokenHeader carries the client generated token that scopes guest checkouts.
	GuestTokenHeader = "X-Guest-Token"

	defaultLocaleClaim   = "locale"
	defaultVerifyTimeout = 5 * time.Second
)

var guestTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator resolves the shopper identity of checkout requests.
type Authenticator struct {
	verifier      TokenVerifier
	trustedHeader string
	localeClaim   string
	timeout       time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithTrustedUserHeader accepts a user id from the named header when no verifier is configured.
// Only meant for local runs behind a gateway that already authenticated the shopper.
func WithTrustedUserHeader(header string) Option {
	return func(a *Authenticator) {
		a.trustedHeader = strings.TrimSpace(header)
	}
}

// WithLocaleClaim overrides the claim used to populate Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator. A nil verifier means signed-in shoppers can only be
// recognised through the trusted header.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		localeClaim: defaultLocaleClaim,
		timeout:     defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireShopper admits signed-in shoppers (bearer token) and guests (guest token header).
// A bearer token that fails verification is rejected rather than downgraded to guest.
func (a *Authenticator) RequireShopper() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.identify(r)
			if err != nil {
				writeAuthError(r.Context(), w, err)
				return
			}
			if locale := r.Header.Get("Accept-Language"); identity.Locale == "" && locale != "" {
				identity.Locale = firstLanguage(locale)
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

type authError struct {
	code    string
	message string
}

func (e *authError) Error() string { return e.message }

var (
	errMissingIdentity = &authError{code: "unauthenticated", message: "sign in or provide a guest token"}
	errBadGuestToken   = &authError{code: "invalid_guest_token", message: "guest token is malformed"}
	errTokenExpired    = &authError{code: "token_expired", message: "firebase id token expired"}
	errTokenRevoked    = &authError{code: "token_revoked", message: "firebase id token revoked, sign in again"}
	errTokenInvalid    = &authError{code: "invalid_token", message: "firebase id token invalid"}
	errAuthUnavailable = &authError{code: "unauthenticated", message: "authorization service unavailable"}
)

func (a *Authenticator) identify(r *http.Request) (*Identity, error) {
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
		token, ok := extractBearerToken(raw)
		if !ok {
			return nil, errTokenInvalid
		}
		return a.verify(r.Context(), token)
	}
	if a != nil && a.verifier == nil && a.trustedHeader != "" {
		if uid := strings.TrimSpace(r.Header.Get(a.trustedHeader)); uid != "" {
			return &Identity{UID: uid}, nil
		}
	}
	if guest := strings.TrimSpace(r.Header.Get(GuestTokenHeader)); guest != "" {
		if !guestTokenPattern.MatchString(guest) {
			return nil, errBadGuestToken
		}
		return &Identity{GuestToken: guest}, nil
	}
	return nil, errMissingIdentity
}

func (a *Authenticator) verify(ctx context.Context, raw string) (*Identity, error) {
	if a == nil || a.verifier == nil {
		return nil, errAuthUnavailable
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err):
			return nil, errTokenExpired
		case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
			return nil, errTokenRevoked
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errAuthUnavailable
		}
		return nil, errTokenInvalid
	}
	return &Identity{
		UID:    token.UID,
		Email:  claimAsString(token.Claims, "email"),
		Locale: claimAsString(token.Claims, a.localeClaim),
		token:  token,
	}, nil
}

func writeAuthError(ctx context.Context, w http.ResponseWriter, err error) {
	var authErr *authError
	if !errors.As(err, &authErr) {
		authErr = errTokenInvalid
	}
	httpx.WriteError(ctx, w, httpx.NewError(authErr.code, authErr.message, http.StatusUnauthorized))
}

func claimAsString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// firstLanguage returns the highest weighted tag of an Accept-Language header.
func firstLanguage(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}
