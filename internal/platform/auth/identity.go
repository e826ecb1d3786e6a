package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

const guestOwnerPrefix = "guest:"

// Identity is the shopper behind a request: a verified Firebase user or a guest holding a token.
type Identity struct {
	UID        string
	Email      string
	Locale     string
	GuestToken string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token, nil for guests and trusted-header identities.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// IsGuest reports whether the shopper is not signed in.
func (i *Identity) IsGuest() bool {
	return i == nil || i.UID == ""
}

// Owner is the key checkout sessions are scoped to.
func (i *Identity) Owner() string {
	if i == nil {
		return ""
	}
	if i.UID != "" {
		return i.UID
	}
	if i.GuestToken != "" {
		return guestOwnerPrefix + i.GuestToken
	}
	return ""
}

// Buyer converts the identity into the checkout buyer.
func (i *Identity) Buyer() domain.Buyer {
	if i == nil {
		return domain.Buyer{}
	}
	return domain.Buyer{
		UserID: i.UID,
		Email:  strings.TrimSpace(i.Email),
		Locale: strings.TrimSpace(i.Locale),
	}
}

type contextKey string

const identityContextKey contextKey = "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
