// Package auth resolves the verified account id of a request. The identity
// comes either from an HS256 bearer token (subject = account id) or, when
// no secret is configured, from the X-Account-ID header set by the gateway.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// HeaderAccountID carries the account id when a trusted gateway
	// terminates authentication.
	HeaderAccountID = "X-Account-ID"

	// QueryAccessToken carries the bearer token on websocket upgrades,
	// where browsers cannot set the Authorization header.
	QueryAccessToken = "access_token"
)

var (
	ErrMissingIdentity = errors.New("auth: missing identity")
	ErrInvalidToken    = errors.New("auth: invalid token")
)

type ctxKey struct{}

// WithAccountID returns a context carrying accountID.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, accountID)
}

// AccountID returns the verified account id stored by Middleware.
func AccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Verifier extracts the account id from a request.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret means header mode.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Identify returns the account id the request is authenticated as.
func (v *Verifier) Identify(r *http.Request) (string, error) {
	if len(v.secret) == 0 {
		id := strings.TrimSpace(r.Header.Get(HeaderAccountID))
		if id == "" {
			return "", ErrMissingIdentity
		}
		return id, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok && isUpgrade(r) {
		raw, ok = r.URL.Query().Get(QueryAccessToken), true
	}
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", ErrMissingIdentity
	}
	return v.parse(raw)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (v *Verifier) parse(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a token for accountID valid for ttl. Used by tooling and tests.
func (v *Verifier) Issue(accountID string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Middleware rejects unauthenticated requests with 401 and stores the
// account id in the request context otherwise.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Identify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": err.Error(),
				"code":  "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), id)))
	})
}
