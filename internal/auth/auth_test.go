package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ms-dealroom/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "dev-secret"

func newAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator(context.Background(), auth.Options{DevSecret: secret, Operators: []string{"ops-1"}}, nil)
	require.NoError(t, err)
	return a
}

func serve(a *auth.Authenticator, header string) (*httptest.ResponseRecorder, string) {
	var seen string
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.UserID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/auctions/a-1", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareAcceptsSignedToken(t *testing.T) {
	a := newAuthenticator(t)
	token, err := auth.SignDevToken(secret, "buyer-1", time.Hour)
	require.NoError(t, err)

	rec, user := serve(a, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "buyer-1", user)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	a := newAuthenticator(t)
	forged, err := auth.SignDevToken("other-secret", "buyer-1", time.Hour)
	require.NoError(t, err)
	expired, err := auth.SignDevToken(secret, "buyer-1", -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "buyer-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"forged":    "Bearer " + forged,
		"expired":   "Bearer " + expired,
		"alg none":  "Bearer " + none,
	} {
		t.Run(name, func(t *testing.T) {
			rec, user := serve(a, header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, user)
		})
	}
}

func TestRequireOperator(t *testing.T) {
	a := newAuthenticator(t)
	h := a.RequireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for user, want := range map[string]int{"ops-1": http.StatusNoContent, "buyer-1": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/api/ops/workflows/stuck", nil)
		req = req.WithContext(auth.WithUserID(req.Context(), user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, user)
	}
}

func TestNewAuthenticatorNeedsAVerifier(t *testing.T) {
	_, err := auth.NewAuthenticator(context.Background(), auth.Options{}, nil)
	assert.Error(t, err)
}
