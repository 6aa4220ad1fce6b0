package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrWritesDisabled = errors.New("write endpoints are disabled because no token secret is configured")
	ErrMissingToken   = errors.New("client did not provide a bearer token")
)

// IssueToken returns an HS256 token accepted by a Server configured with secret.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) verify(req *http.Request) (*jwt.RegisteredClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrWritesDisabled
	}
	tokenString, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, ErrMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		claims, err := s.verify(req)
		switch {
		case errors.Is(err, ErrWritesDisabled):
			writeJSONError(w, http.StatusForbidden, err)
			return
		case err != nil:
			writeJSONError(w, http.StatusUnauthorized, err)
			return
		}
		logf(req, "Authorized command from %q", claims.Subject)
		next.ServeHTTP(w, req)
	})
}
