package oauthflow

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateStateIsAtLeast24Bytes(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)
	require.NotEmpty(t, state)

	// base64 raw url encoding of 32 bytes must decode back to >= 24 bytes.
	decoded, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(decoded), 24)
}

func TestGenerateRedirectCodeIsEightCharsOrFewer(t *testing.T) {
	code, err := GenerateRedirectCode()
	require.NoError(t, err)
	require.LessOrEqual(t, len(code), 8)
	require.NotEmpty(t, code)
}

func TestGenerateRedirectCodeProducesDistinctCodesConcurrently(t *testing.T) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	done := make(chan string, 50)

	for i := 0; i < 50; i++ {
		go func() {
			code, err := GenerateRedirectCode()
			require.NoError(t, err)
			done <- code
		}()
	}

	for i := 0; i < 50; i++ {
		code := <-done
		mu.Lock()
		seen[code] = true
		mu.Unlock()
	}

	require.Greater(t, len(seen), 45, "random codes should almost never collide across 50 draws")
}

func TestGeneratePKCEChallengeIsDeterministicFromVerifier(t *testing.T) {
	pair, err := GeneratePKCE()
	require.NoError(t, err)
	require.NotEmpty(t, pair.Verifier)
	require.NotEmpty(t, pair.Challenge)
	require.NotEqual(t, pair.Verifier, pair.Challenge)

	sum := sha256.Sum256([]byte(pair.Verifier))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pair.Challenge)
}
