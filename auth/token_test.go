package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret")

	token, err := issuer.Mint(Identity{UserID: "u1", Email: "a@example.com", Name: "Ada"})
	require.NoError(t, err)

	id, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ada", id.Name)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewIssuer("secret-a").Mint(Identity{UserID: "u1"})
	require.NoError(t, err)

	_, err = NewIssuer("secret-b").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewIssuer("secret").Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGuestGetsGeneratedName(t *testing.T) {
	issuer := NewIssuer("secret")

	id, token, err := issuer.Guest("")
	require.NoError(t, err)
	assert.NotEmpty(t, id.Name)
	assert.NotEmpty(t, id.UserID)

	back, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}
