package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "test-audience"
)

type testTokens struct {
	signer jose.Signer
}

func newTestVerifier(t *testing.T) (tokenVerifier, *testTokens) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&priv.PublicKey}}
	verifier := oidc.NewVerifier(testIssuer, keys, &oidc.Config{ClientID: testAudience})
	return verifier.Verify, &testTokens{signer: signer}
}

func (tt *testTokens) token(t *testing.T, email, audience string) string {
	t.Helper()
	now := time.Now()
	claims := struct {
		jwt.Claims
		Email string `json:"email,omitempty"`
	}{
		Claims: jwt.Claims{
			Issuer:   testIssuer,
			Subject:  email,
			Audience: jwt.Audience{audience},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email: email,
	}
	raw, err := jwt.Signed(tt.signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	verifier, tokens := newTestVerifier(t)
	env.srv.oidcVerifier = verifier
	env.srv.adminEmails = []string{"admin@example.com"}
	env.handler = env.srv.setupHandler()

	body := `{"segmentID":2,"battMode":"load_first","startTime":"00:00","endTime":"01:00","enabled":false}`
	bearer := func(token string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + token}}
	}

	t.Run("Reads Are Open", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/devices", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Missing Token", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/entries/e1/devices/MIN1/segments", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, rr.Body.String())
	})

	t.Run("Not Bearer", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/entries/e1/devices/MIN1/segments", body, http.Header{"Authorization": []string{"Basic abc"}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Invalid Token", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/entries/e1/devices/MIN1/segments", body, bearer("garbage"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("Wrong Audience", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/entries/e1/devices/MIN1/segments", body, bearer(tokens.token(t, "admin@example.com", "other")))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("Not Admin", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/entries/e1/devices/MIN1/segments", body, bearer(tokens.token(t, "user@example.com", testAudience)))
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.JSONEq(t, `{"error":"forbidden"}`, rr.Body.String())
	})

	t.Run("Admin", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/entries/e1/devices/MIN1/segments", body, bearer(tokens.token(t, "admin@example.com", testAudience)))
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("Unload Needs Admin", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/api/entries/e1", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		rr = env.do(t, http.MethodDelete, "/api/entries/e1", "", bearer(tokens.token(t, "user@example.com", testAudience)))
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Len(t, env.registry.All(), 3)

		rr = env.do(t, http.MethodDelete, "/api/entries/e1", "", bearer(tokens.token(t, "admin@example.com", testAudience)))
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Empty(t, env.registry.All())
	})

	assert.EqualValues(t, 1, env.writes.Load())
}

func TestAuthenticateToken(t *testing.T) {
	verifier, tokens := newTestVerifier(t)
	srv := &Server{oidcVerifier: verifier}

	email, err := srv.authenticateToken(context.Background(), tokens.token(t, "admin@example.com", testAudience))
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", email)

	_, err = srv.authenticateToken(context.Background(), tokens.token(t, "", testAudience))
	assert.Error(t, err)
}
