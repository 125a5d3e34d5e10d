package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity describes the caller of a request.
// Authenticated callers carry a UserID from a verified JWT; anonymous callers
// may present a subscriber secret instead. Either may be empty.
type Identity struct {
	UserID       string
	SubscriberID string
	IsAdmin      bool
}

// identityFrom returns the request's identity, zero-valued when absent
func identityFrom(r *http.Request) Identity {
	if id, ok := r.Context().Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{}
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	// JWTSecret validates bearer tokens. Empty means bearer tokens are
	// ignored and callers are anonymous.
	JWTSecret string
	// AdminToken guards admin endpoints via the X-Admin-Token header.
	AdminToken string
}

// authMiddleware resolves the caller identity for every request.
// Authentication is optional on most routes: an invalid bearer token is
// rejected, but no token at all simply yields an anonymous identity.
func authMiddleware(cfg AuthConfig, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := Identity{
				SubscriberID: r.Header.Get("X-Subscriber-Id"),
			}

			if cfg.AdminToken != "" && r.Header.Get("X-Admin-Token") == cfg.AdminToken {
				identity.IsAdmin = true
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token := strings.TrimPrefix(auth, "Bearer ")
				claims, err := parseJWT(token, cfg.JWTSecret)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "invalid bearer token", err, logger)
					return
				}
				identity.UserID = claims.Subject
				if claims.Role == "admin" {
					identity.IsAdmin = true
				}
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenClaims are the JWT claims aegis understands
type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// parseJWT validates an HMAC-signed token and returns its claims
func parseJWT(tokenString, secret string) (*tokenClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("bearer authentication is not configured")
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// requireAdmin gates admin-only handlers
func requireAdmin(logger *zap.SugaredLogger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r).IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required", nil, logger)
			return
		}
		next(w, r)
	}
}
