package mcpoauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Claims is the access token's payload. Kept to the same registered-
// claims-plus-scope shape as the teacher's internal/mcpserver/server
// jwt.go Claims, since this package's tokens are validated the same
// way the teacher validates Auth0's — only now Airweave signs them
// itself with a local HMAC secret instead of fetching RSA keys from a
// JWKS endpoint.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"organization_id"`
	Scope          string `json:"scope,omitempty"`
}

// Issuer signs and verifies this server's own access tokens.
type Issuer struct {
	secret []byte
	issuer string
}

func NewIssuer(secret []byte, issuer string) *Issuer {
	return &Issuer{secret: secret, issuer: issuer}
}

func (i *Issuer) Sign(userID, orgID, clientID, scope string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			// A fresh jti keeps two tokens issued in the same second
			// for the same grant distinct.
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		OrganizationID: orgID,
		Scope:          scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(apperrors.KindInvariant, err, "sign access token")
	}
	return signed, expiresAt, nil
}

func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuth, err, "verify access token")
	}
	if !token.Valid {
		return nil, apperrors.New(apperrors.KindAuth, "invalid access token")
	}
	if claims.Issuer != i.issuer {
		return nil, apperrors.New(apperrors.KindAuth, "invalid token issuer")
	}
	return &claims, nil
}
