// Package credentials encrypts and decrypts IntegrationCredential secret
// bundles at rest (spec.md §3 IntegrationCredential, §2.1). It returns a
// stable opaque handle stored alongside the ciphertext, adapting the
// connection-pooling discipline of the teacher's internal/db.Open to a
// small, explicitly constructed service rather than a package-level
// singleton (§9 "singletons / global state").
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// AuthMethod tags the shape of a credential bundle, per spec.md §3.
type AuthMethod string

const (
	AuthMethodOAuthToken   AuthMethod = "oauth_token"
	AuthMethodOAuthBrowser AuthMethod = "oauth_browser"
	AuthMethodOAuthBYOC    AuthMethod = "oauth_byoc"
	AuthMethodDirect       AuthMethod = "direct"
	AuthMethodAuthProvider AuthMethod = "auth_provider"
)

// Bundle is the decrypted view of an IntegrationCredential: an arbitrary
// JSON document (access tokens, refresh tokens, direct-auth fields,
// BYOC client secrets) tagged with its authentication method.
type Bundle struct {
	Method AuthMethod     `json:"method"`
	Data   map[string]any `json:"data"`
}

// Store encrypts/decrypts credential bundles with ChaCha20-Poly1305,
// keyed from a 32-byte key (AIRWEAVE_ENCRYPTION_KEY), and persists the
// ciphertext in Postgres keyed by an opaque UUID handle.
type Store struct {
	db    *pgxpool.Pool
	aead  chacha20poly1305.AEAD
	setup bool
}

// New constructs a Store from an already-decoded 32-byte key; DecodeKey
// turns a base64 or raw-string key into that form.
func New(db *pgxpool.Pool, key []byte) (*Store, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvariant, err, "invalid encryption key")
	}
	return &Store{db: db, aead: aead}, nil
}

// EnsureSchema creates the backing table if it does not exist. Called
// once at startup; kept idempotent so tests can call it freely.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS integration_credentials (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			method TEXT NOT NULL,
			ciphertext BYTEA NOT NULL,
			nonce BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

// Put encrypts bundle and stores it, returning the opaque handle.
func (s *Store) Put(ctx context.Context, orgID uuid.UUID, bundle Bundle) (uuid.UUID, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.KindInvariant, err, "marshal credential bundle")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.KindInvariant, err, "generate nonce")
	}

	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)
	handle := uuid.New()

	_, err = s.db.Exec(ctx, `
		INSERT INTO integration_credentials (id, organization_id, method, ciphertext, nonce)
		VALUES ($1, $2, $3, $4, $5)`,
		handle, orgID, string(bundle.Method), ciphertext, nonce)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.KindInvariant, err, "persist credential bundle")
	}

	return handle, nil
}

// Get decrypts and returns the bundle for handle, scoped to orgID.
func (s *Store) Get(ctx context.Context, orgID, handle uuid.UUID) (Bundle, error) {
	var method string
	var ciphertext, nonce []byte

	err := s.db.QueryRow(ctx, `
		SELECT method, ciphertext, nonce FROM integration_credentials
		WHERE id = $1 AND organization_id = $2`,
		handle, orgID).Scan(&method, &ciphertext, &nonce)
	if err == pgx.ErrNoRows {
		return Bundle{}, apperrors.New(apperrors.KindNotFound, "credential not found")
	}
	if err != nil {
		return Bundle{}, apperrors.Wrap(apperrors.KindInvariant, err, "load credential bundle")
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Bundle{}, apperrors.Wrap(apperrors.KindInvariant, err, "decrypt credential bundle")
	}

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return Bundle{}, apperrors.Wrap(apperrors.KindInvariant, err, "unmarshal credential bundle")
	}
	return bundle, nil
}

// Delete removes a credential bundle (cascades with its owning Connection).
func (s *Store) Delete(ctx context.Context, orgID, handle uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM integration_credentials WHERE id = $1 AND organization_id = $2`, handle, orgID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "delete credential bundle")
	}
	return nil
}

// DecodeKey parses a 32-byte key supplied as base64 (preferred) and
// falls back to treating the input as raw bytes when it is already 32
// bytes long.
func DecodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, apperrors.New(apperrors.KindInvariant, "empty encryption key")
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return decoded, nil
	}
	if len(s) == chacha20poly1305.KeySize {
		return []byte(s), nil
	}
	return nil, apperrors.New(apperrors.KindInvariant, "encryption key must be 32 bytes (raw or base64)")
}
