package mcpoauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// GenerateCode produces a cryptographically random, URL-safe token —
// used for both authorization codes and refresh tokens. Mirrors
// internal/oauthflow.randomURLSafe's construction.
func GenerateCode(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "generate oauth code")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyPKCE checks a token request's code_verifier against the
// code_challenge stored with the authorization code (RFC 7636 §4.6).
// Only S256 is accepted — OAuth 2.1 drops the "plain" method.
func VerifyPKCE(method CodeChallengeMethod, verifier, storedChallenge string) error {
	if method != CodeChallengeMethodS256 {
		return apperrors.New(apperrors.KindValidation, "unsupported code_challenge_method, only S256 is accepted")
	}
	if verifier == "" {
		return apperrors.New(apperrors.KindValidation, "missing code_verifier")
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) != 1 {
		return apperrors.New(apperrors.KindAuth, "code_verifier does not match code_challenge")
	}
	return nil
}
