package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptRoundTrip(t *testing.T) {
	sealed, err := Encrypt("sk-live-123", "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-live")

	plain, err := Decrypt(sealed, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)

	// 随机 nonce，两次加密结果不同
	again, err := Encrypt("sk-live-123", "passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestDecryptFailures(t *testing.T) {
	sealed, err := Encrypt("value", "right")
	require.NoError(t, err)

	_, err = Decrypt(sealed, "wrong")
	assert.Error(t, err)

	_, err = Decrypt("!!not base64", "right")
	assert.Error(t, err)

	_, err = Decrypt("AAAA", "right")
	assert.Error(t, err)

	_, err = Encrypt("value", "")
	assert.Error(t, err)
}
