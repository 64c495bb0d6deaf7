package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	internalKeyHeader = "X-Internal-Key"
	sessionCookieName = "session"
)

func (s *Server) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.InternalAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(internalKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.InternalAPIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid internal key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveViewer attaches the stream viewer to the context. Requests without a token are
// anonymous; a token that does not verify is rejected.
func (s *Server) resolveViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r, sessionCookieName)
		if token == "" || s.opts.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := s.verifyToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withViewer(r.Context(), userID)))
	})
}

func (s *Server) verifyToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}

func extractToken(r *http.Request, cookieName string) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
