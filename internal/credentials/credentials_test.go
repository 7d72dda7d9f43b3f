package credentials

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestDecodeKeyRawLength(t *testing.T) {
	raw := make([]byte, chacha20poly1305.KeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err := DecodeKey(string(raw))
	require.NoError(t, err)
	require.Len(t, key, chacha20poly1305.KeySize)
}

func TestDecodeKeyRejectsWrongLength(t *testing.T) {
	_, err := DecodeKey("too-short")
	require.Error(t, err)
}

func TestDecodeKeyEmpty(t *testing.T) {
	_, err := DecodeKey("")
	require.Error(t, err)
}
