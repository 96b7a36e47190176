// Package auth guards the refresh API. Callers present a bearer token:
// either the static operator token, checked against its bcrypt hash, or an
// HMAC-signed JWT issued for automation.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var errUnauthorized = errors.New("auth: unauthorized")

type Service struct {
	tokenHash []byte // bcrypt hash of the static token, may be empty
	hmac      []byte // JWT signing secret, may be empty
}

func NewService(tokenHash, hmacSecret string) *Service {
	return &Service{tokenHash: []byte(tokenHash), hmac: []byte(hmacSecret)}
}

type Claims struct {
	Sub string `json:"sub"`
	jwt.RegisteredClaims
}

// IssueJWT mints a short-lived token for automation callers.
func (s *Service) IssueJWT(sub string) (string, error) {
	if len(s.hmac) == 0 {
		return "", errors.New("auth: no hmac secret configured")
	}
	now := time.Now()
	claims := &Claims{
		Sub: sub,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "vespa-datasync",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(8 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.hmac)
}

// Verify accepts either credential form.
func (s *Service) Verify(token string) error {
	if len(s.tokenHash) > 0 {
		if bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil {
			return nil
		}
	}
	if len(s.hmac) > 0 {
		parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
			return s.hmac, nil
		})
		if err == nil && parsed.Valid {
			return nil
		}
	}
	return errUnauthorized
}

// Middleware rejects requests without a valid bearer token.
func Middleware(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			if err := s.Verify(strings.TrimPrefix(h, "Bearer ")); err != nil {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
