package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"msghub/internal/domain"
	"msghub/internal/security"
)

func TestTokenService(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)

	t.Run("RoundTrip", func(t *testing.T) {
		token, err := svc.CreateForUser(42)
		assert.NoError(t, err)

		userID, err := svc.Authenticate(token)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), userID)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := security.NewTokenService("other-secret", time.Hour)
		token, err := other.CreateForUser(42)
		assert.NoError(t, err)

		_, err = svc.Authenticate(token)
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})

	t.Run("Expired", func(t *testing.T) {
		short := security.NewTokenService("secret", -time.Minute)
		token, err := short.CreateForUser(42)
		assert.NoError(t, err)

		_, err = svc.Authenticate(token)
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := svc.Authenticate("not-a-token")
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	})
}

func TestEncryptor(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("some arbitrary length secret"))
	assert.NoError(t, err)

	t.Run("RoundTrip", func(t *testing.T) {
		ciphertext, err := enc.Encrypt("hello world")
		assert.NoError(t, err)
		assert.NotEqual(t, "hello world", ciphertext)

		plain, err := enc.Decrypt(ciphertext)
		assert.NoError(t, err)
		assert.Equal(t, "hello world", plain)
	})

	t.Run("NoncesDiffer", func(t *testing.T) {
		a, err := enc.Encrypt("same input")
		assert.NoError(t, err)
		b, err := enc.Encrypt("same input")
		assert.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("WrongKeyFails", func(t *testing.T) {
		other, err := security.NewEncryptor([]byte("different key"))
		assert.NoError(t, err)

		ciphertext, err := enc.Encrypt("secret")
		assert.NoError(t, err)

		_, err = other.Decrypt(ciphertext)
		assert.Error(t, err)
	})

	t.Run("EmptyKeyRejected", func(t *testing.T) {
		_, err := security.NewEncryptor(nil)
		assert.Error(t, err)
	})
}
