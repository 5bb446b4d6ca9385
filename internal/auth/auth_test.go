package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoAccount() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := AccountID(r.Context())
		w.Write([]byte(id))
	})
}

func TestMiddleware_HeaderMode(t *testing.T) {
	h := NewVerifier("").Middleware(echoAccount())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAccountID, "acct-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct-42", w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestMiddleware_JWT(t *testing.T) {
	v := NewVerifier("s3cret")
	h := v.Middleware(echoAccount())

	token, err := v.Issue("acct-7", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct-7", w.Body.String())

	// The header alone is not trusted when a secret is configured.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAccountID, "acct-7")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentify_RejectsBadTokens(t *testing.T) {
	v := NewVerifier("s3cret")

	other, err := NewVerifier("other").Issue("acct-1", time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("acct-1", -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "acct-1"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"no subject":   noSubject,
		"wrong alg":    wrongAlg,
		"garbage":      "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			_, err := v.Identify(req)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = v.Identify(req)
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestIssue_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("").Issue("acct-1", time.Hour)
	assert.Error(t, err)
}

func TestIdentify_QueryTokenOnlyOnUpgrade(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.Issue("acct-9", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?"+QueryAccessToken+"="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	id, err := v.Identify(req)
	require.NoError(t, err)
	assert.Equal(t, "acct-9", id)

	// Plain requests must use the Authorization header.
	req = httptest.NewRequest(http.MethodGet, "/portfolio?"+QueryAccessToken+"="+token, nil)
	_, err = v.Identify(req)
	assert.ErrorIs(t, err, ErrMissingIdentity)

	req = httptest.NewRequest(http.MethodGet, "/ws?"+QueryAccessToken+"=garbage", nil)
	req.Header.Set("Upgrade", "websocket")
	_, err = v.Identify(req)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
