package security_test

import (
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpulse/internal/security"
)

func TestTextCipherRoundTrip(t *testing.T) {
	c, err := security.NewTextCipher([]byte("some-long-secret"), nil)
	require.NoError(t, err)

	sealed, err := c.Seal("привет, world", "42:msg:7")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "world")

	plain, err := c.Open(sealed, "42:msg:7")
	require.NoError(t, err)
	assert.Equal(t, "привет, world", plain)

	_, err = c.Open(sealed, "43:msg:7")
	assert.ErrorIs(t, err, security.ErrUndecryptable)
}

func TestTextCipherLegacyFernet(t *testing.T) {
	var k fernet.Key
	require.NoError(t, k.Generate())
	legacy, err := fernet.EncryptAndSign([]byte("old text"), &k)
	require.NoError(t, err)

	c, err := security.NewTextCipher([]byte("new-secret"), []string{k.Encode()})
	require.NoError(t, err)
	plain, err := c.Open(string(legacy), "")
	require.NoError(t, err)
	assert.Equal(t, "old text", plain)
}

func TestTextCipherEmptyKey(t *testing.T) {
	_, err := security.NewTextCipher(nil, nil)
	assert.Error(t, err)
}

func TestTokenService(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)

	tok, err := svc.Issue("reporting", []string{"org-1"})
	require.NoError(t, err)

	claims, err := svc.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "reporting", claims.Subject)
	assert.True(t, claims.CanAccess("org-1"))
	assert.False(t, claims.CanAccess("org-2"))

	t.Run("Expired", func(t *testing.T) {
		tok, err := svc.IssueWithTTL("reporting", []string{"org-1"}, -time.Minute)
		require.NoError(t, err)
		_, err = svc.Parse(tok)
		assert.Error(t, err)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := security.NewTokenService("other", time.Hour)
		tok, err := other.Issue("reporting", []string{"org-1"})
		require.NoError(t, err)
		_, err = svc.Parse(tok)
		assert.Error(t, err)
	})

	t.Run("Wildcard", func(t *testing.T) {
		tok, err := svc.Issue("ops", []string{"*"})
		require.NoError(t, err)
		claims, err := svc.Parse(tok)
		require.NoError(t, err)
		assert.True(t, claims.CanAccess("anything"))
	})
}
