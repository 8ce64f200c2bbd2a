package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lawnchairsociety/tileforge/internal/config"
	"github.com/lawnchairsociety/tileforge/internal/logger"
)

// KeyAuth checks the bearer key on generation requests against a bcrypt hash.
type KeyAuth struct {
	hash    []byte
	limiter *KeyRateLimiter
}

// NewKeyAuth returns nil when no key hash is configured.
func NewKeyAuth(cfg config.AuthConfig) (*KeyAuth, error) {
	if cfg.APIKeyHash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(cfg.APIKeyHash)); err != nil {
		return nil, fmt.Errorf("auth.api_key_hash is not a bcrypt hash: %w", err)
	}
	return &KeyAuth{
		hash:    []byte(cfg.APIKeyHash),
		limiter: NewKeyRateLimiter(cfg.RateLimit),
	}, nil
}

// HashKey returns the bcrypt hash to put in auth.api_key_hash.
func HashKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Stop releases the limiter's cleanup goroutine.
func (a *KeyAuth) Stop() {
	if a != nil {
		a.limiter.Stop()
	}
}

// Middleware rejects requests without a valid key. A nil KeyAuth lets every
// request through.
func (a *KeyAuth) Middleware(clientIP func(*http.Request) string, next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if locked, remaining := a.limiter.IsLocked(ip); locked {
			w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		key, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(key)) != nil {
			if locked, lockout := a.limiter.RecordFailure(ip); locked {
				logger.Warning("API key lockout", "client_ip", ip, "lockout", lockout)
			}
			writeError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}

		a.limiter.RecordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
