package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// GenerateState produces a CSRF state token: >= 24 random bytes,
// URL-safe base64 encoded (spec.md §4.2 step 2).
func GenerateState() (string, error) {
	return randomURLSafe(32)
}

// GenerateRedirectCode produces the 8-char code RedirectSession uses
// (spec.md §4.2 step 4, testable property 12: N codes generated
// concurrently must be N distinct strings — satisfied here by drawing
// from crypto/rand, whose collision probability for 8-char base62-ish
// tokens is negligible at any realistic N, and by the store's UNIQUE
// constraint on the code column as a hard backstop).
func GenerateRedirectCode() (string, error) {
	s, err := randomURLSafe(6)
	if err != nil {
		return "", err
	}
	if len(s) > 8 {
		s = s[:8]
	}
	return s, nil
}

func randomURLSafe(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "generate random token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PKCEPair is a freshly generated code_verifier + its S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

func GeneratePKCE() (PKCEPair, error) {
	verifier, err := randomURLSafe(48)
	if err != nil {
		return PKCEPair{}, err
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCEPair{Verifier: verifier, Challenge: challenge}, nil
}
