package mcpoauth

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func apperrNotFound() error { return apperrors.New(apperrors.KindNotFound, "not found") }
func apperrAuth() error     { return apperrors.New(apperrors.KindAuth, "auth error") }
