package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "classroom-hmac-secret"

func signedToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestFromTokenVerified(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":    "teacher-7",
		"name":   "Frau Weber",
		"locale": "de-AT",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	id, err := FromToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "teacher-7", id.Subject)
	assert.Equal(t, "Frau Weber", id.Name)
	assert.Equal(t, "de-AT", id.Locale)
}

func TestFromTokenBearerPrefix(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "teacher-7"}, testSecret)

	id, err := FromToken("Bearer "+token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "teacher-7", id.Subject)
}

func TestFromTokenRejectsBadSignature(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "teacher-7"}, "some-other-secret")

	_, err := FromToken(token, testSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to verify")
}

func TestFromTokenRejectsExpired(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "teacher-7",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, testSecret)

	_, err := FromToken(token, testSecret)
	assert.Error(t, err)
}

func TestFromTokenRejectsAlgNone(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "intruder"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = FromToken(token, testSecret)
	require.Error(t, err, "alg none must never pass verification")
}

func TestFromTokenUnverifiedMode(t *testing.T) {
	t.Run("reads claims without a secret", func(t *testing.T) {
		token := signedToken(t, jwt.MapClaims{"sub": "student-3", "locale": "en"}, "whatever")

		id, err := FromToken(token, "")
		require.NoError(t, err)
		assert.Equal(t, "student-3", id.Subject)
		assert.Equal(t, "en", id.Locale)
	})

	t.Run("still requires a subject", func(t *testing.T) {
		token := signedToken(t, jwt.MapClaims{"name": "Nobody"}, "whatever")

		_, err := FromToken(token, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subject")
	})
}

func TestFromTokenRejectsGarbage(t *testing.T) {
	_, err := FromToken("", testSecret)
	assert.Error(t, err)

	_, err = FromToken("   ", "")
	assert.Error(t, err)

	_, err = FromToken("not.a.token", "")
	assert.Error(t, err)
}
