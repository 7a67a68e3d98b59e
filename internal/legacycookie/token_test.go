package legacycookie

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRememberTokenRoundTrip(t *testing.T) {
	secret := []byte("correct horse battery staple")

	for _, payload := range []string{
		"TOK123",
		"",
		"token|with|pipes",
		"d41d8cd98f00b204e9800998ecf8427e",
	} {
		encoded := EncodeRememberToken(secret, payload)
		decoded, ok := DecodeRememberToken(secret, encoded)
		require.True(t, ok, "payload %q", payload)
		assert.Equal(t, payload, decoded)
	}
}

func TestRememberTokenTamperedDigest(t *testing.T) {
	secret := []byte("correct horse battery staple")
	encoded := EncodeRememberToken(secret, "TOK123")

	// flip the last hex digit
	last := encoded[len(encoded)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	tampered := encoded[:len(encoded)-1] + string(flipped)

	_, ok := DecodeRememberToken(secret, tampered)
	assert.False(t, ok)
}

func TestRememberTokenTamperedPayload(t *testing.T) {
	secret := []byte("correct horse battery staple")
	encoded := EncodeRememberToken(secret, "TOK123")
	tampered := strings.Replace(encoded, "TOK123", "TOK124", 1)

	_, ok := DecodeRememberToken(secret, tampered)
	assert.False(t, ok)
}

func TestRememberTokenWrongSecret(t *testing.T) {
	encoded := EncodeRememberToken([]byte("secret-a"), "TOK123")
	_, ok := DecodeRememberToken([]byte("secret-b"), encoded)
	assert.False(t, ok)
}

func TestRememberTokenMalformed(t *testing.T) {
	secret := []byte("correct horse battery staple")
	for _, token := range []string{
		"",
		"no-separator-here",
		"payload|",
		"|",
	} {
		_, ok := DecodeRememberToken(secret, token)
		assert.False(t, ok, "token %q", token)
	}
}

func TestRememberTokenDigestCaseInsensitive(t *testing.T) {
	secret := []byte("correct horse battery staple")
	encoded := EncodeRememberToken(secret, "TOK123")
	sep := strings.LastIndexByte(encoded, '|')
	upper := encoded[:sep+1] + strings.ToUpper(encoded[sep+1:])

	decoded, ok := DecodeRememberToken(secret, upper)
	require.True(t, ok)
	assert.Equal(t, "TOK123", decoded)
}
