package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64)
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should verify valid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.True(t, auth.VerifySignature(challenge, computeHMAC(challenge, "test-secret")))
	})

	t.Run("sign matches hmac", func(t *testing.T) {
		assert.Equal(t, computeHMAC("abc", "test-secret"), Sign("test-secret", "abc"))
	})

	t.Run("should reject invalid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
	})

	t.Run("should reject signature with wrong secret", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.False(t, auth.VerifySignature(challenge, computeHMAC(challenge, "wrong-secret")))
	})
}

func TestAuthHandler_VerifySecret(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	assert.True(t, auth.VerifySecret("test-secret"))
	assert.False(t, auth.VerifySecret("test-secre"))
	assert.False(t, auth.VerifySecret(""))
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should succeed with valid signature", func(t *testing.T) {
		client := newClient("test-client", nil, "", nil)
		client.Challenge = "test-challenge"

		result := auth.HandleAuthResponse(client, computeHMAC("test-challenge", "test-secret"))

		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.Equal(t, "test-client", result.ClientID)
		assert.True(t, client.Authenticated)
		assert.True(t, client.isAuthenticated())
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Equal(t, 0, client.AuthAttempts)
		assert.Empty(t, client.Challenge)
	})

	t.Run("should fail with invalid signature", func(t *testing.T) {
		client := newClient("test-client", nil, "", nil)
		client.Challenge = "test-challenge"

		result := auth.HandleAuthResponse(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Equal(t, "auth.failure", result.Event)
		assert.False(t, client.isAuthenticated())
		assert.Equal(t, 1, client.AuthAttempts)
	})

	t.Run("should block after 3 failed attempts", func(t *testing.T) {
		client := newClient("test-client", nil, "", nil)
		client.Challenge = "test-challenge"
		client.AuthAttempts = 2

		result := auth.HandleAuthResponse(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "Too many failed attempts")
		assert.Equal(t, 3, client.AuthAttempts)
	})

	t.Run("should fail when no challenge exists", func(t *testing.T) {
		client := newClient("test-client", nil, "", nil)

		result := auth.HandleAuthResponse(client, "any-signature")

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "No challenge found")
	})
}

func computeHMAC(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}
