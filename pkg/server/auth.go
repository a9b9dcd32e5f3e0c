package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/johanzander/growatt-server-upstream/pkg/log"
)

// authMiddleware lets reads through and requires an admin ID token for
// anything that changes a device. With no verifier configured every request
// is allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		isRead := r.Method == http.MethodGet || r.Method == http.MethodHead
		if s.oidcVerifier == nil || isRead {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).ErrorContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}

		email, err := s.authenticateToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		if !s.isAdmin(email) {
			log.Ctx(ctx).WarnContext(ctx, "user is not an admin", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request")
		ctx = context.WithValue(ctx, emailContextKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	idToken, err := s.oidcVerifier(ctx, token)
	if err != nil {
		return "", err
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", errors.New("id token has no email")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return "", errors.New("id token email is not verified")
	}
	return claims.Email, nil
}

func (s *Server) isAdmin(email string) bool {
	for _, admin := range s.adminEmails {
		if subtle.ConstantTimeCompare([]byte(email), []byte(admin)) == 1 {
			return true
		}
	}
	return false
}

func getEmail(r *http.Request) string {
	email, _ := r.Context().Value(emailContextKey).(string)
	return email
}
