package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/snowflake"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

func TestSignAndParse(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	token, err := signer.Sign(snowflake.ID(42), "abcdef")
	require.NoError(t, err)

	claims, err := signer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", claims.SessionID)
	uid, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), uid)
}

func TestParseRejectsForeignKey(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)
	other, err := NewSigner(base64.StdEncoding.EncodeToString([]byte("fedcba9876543210")))
	require.NoError(t, err)

	token, err := other.Sign(1, "s")
	require.NoError(t, err)

	_, err = signer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = signer.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSignerValidatesKey(t *testing.T) {
	_, err := NewSigner("short")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewSigner(base64.StdEncoding.EncodeToString([]byte("too-short")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
