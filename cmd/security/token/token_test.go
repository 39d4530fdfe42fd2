package token

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, b byte) *Key {
	t.Helper()
	k, err := NewKey(bytes.Repeat([]byte{b}, MinKeyBytes), MinKeyBytes)
	require.NoError(t, err)
	return k
}

func TestNewKey_Errors(t *testing.T) {
	_, err := NewKey(nil, MinKeyBytes)
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = NewKey([]byte("short"), MinKeyBytes)
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestNewKey_DoesNotWipeCaller(t *testing.T) {
	raw := bytes.Repeat([]byte{'k'}, MinKeyBytes)
	_, err := NewKey(raw, MinKeyBytes)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'k'}, MinKeyBytes), raw)
}

func TestDigester_MatchesHMAC(t *testing.T) {
	raw := bytes.Repeat([]byte{'a'}, MinKeyBytes)
	d := NewDigester(testKey(t, 'a'))

	got, err := d.Digest("secret-value")
	require.NoError(t, err)
	assert.Equal(t, HashHMACSHA256Hex("secret-value", raw), got)
	assert.Len(t, got, 64)
	unkeyed := sha256.Sum256([]byte("secret-value"))
	assert.NotEqual(t, hex.EncodeToString(unkeyed[:]), got)
}

func TestDigester_KeyMatters(t *testing.T) {
	a, err := NewDigester(testKey(t, 'a')).Digest("same")
	require.NoError(t, err)
	b, err := NewDigester(testKey(t, 'b')).Digest("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKey_Equal(t *testing.T) {
	same, err := testKey(t, 'a').Equal(testKey(t, 'a'))
	require.NoError(t, err)
	assert.True(t, same)

	same, err = testKey(t, 'a').Equal(testKey(t, 'b'))
	require.NoError(t, err)
	assert.False(t, same)
}

func TestNewOpaqueSecret(t *testing.T) {
	s1, err := NewOpaqueSecret(48)
	require.NoError(t, err)
	s2, err := NewOpaqueSecret(48)
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.False(t, strings.ContainsAny(s1, "+/="))

	raw, err := base64.RawURLEncoding.DecodeString(s1)
	require.NoError(t, err)
	assert.Len(t, raw, 48)
}
