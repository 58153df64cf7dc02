// Package auth resolves the collaborating user's identity from HS256 bearer
// tokens issued by the site's identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"docs-collab-server/core"
)

var (
	ErrMissingToken = errors.New("authorization token missing")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const identityContextKey = contextKey("identity")

// Identity is the stable user id (token subject) plus an optional display name.
type Identity struct {
	UserID string
	Name   string
}

// Claims is the token body accepted by the collaboration server.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Name: claims.Name}, nil
}

// Sign issues a token for id. Used by tooling and tests.
func (v *Verifier) Sign(id Identity, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = id.UserID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: claims,
		Name:             id.Name,
	}).SignedString(v.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter since browsers cannot set headers on a
// WebSocket upgrade.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", fmt.Errorf("%w: authorization header format must be Bearer {token}", ErrInvalidToken)
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid token. A nil verifier disables
// authentication entirely (development mode).
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := TokenFromRequest(r)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": err.Error()})
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAccess applies the collaboration access rule to a request carrying an
// identity and writes the error response when it fails. Requests without an
// identity (authentication disabled) pass.
func RequireAccess(w http.ResponseWriter, r *http.Request, access core.AccessChecker, documentID string) bool {
	id, ok := FromContext(r.Context())
	if !ok || access == nil {
		return true
	}
	allowed, err := access.HasAccess(r.Context(), documentID, id.UserID)
	switch {
	case errors.Is(err, core.ErrDocumentNotFound):
		http.Error(w, "Document not found", http.StatusNotFound)
		return false
	case err != nil:
		logrus.WithError(err).WithField("document_id", documentID).Error("Access check failed")
		http.Error(w, "Access check failed", http.StatusInternalServerError)
		return false
	case !allowed:
		http.Error(w, "Access denied", http.StatusForbidden)
		return false
	}
	return true
}
