package oauthflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Store persists ConnectionInitSession and RedirectSession rows in
// Postgres, following the same pgxpool-backed, EnsureSchema-at-startup
// shape as internal/credentials.Store.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{db: db} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS connection_init_sessions (
			id UUID PRIMARY KEY,
			short_name TEXT NOT NULL,
			state TEXT NOT NULL,
			session_key TEXT NOT NULL UNIQUE,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			overrides JSONB NOT NULL DEFAULT '{}'::jsonb,
			redirect_session_id TEXT,
			organization_id UUID NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS redirect_sessions (
			code TEXT PRIMARY KEY,
			target_url TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (s *Store) CreateInitSession(ctx context.Context, sess ConnectionInitSession) error {
	payload, err := json.Marshal(sess.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "marshal session payload")
	}
	overrides, err := json.Marshal(sess.Overrides)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "marshal session overrides")
	}

	id := sess.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO connection_init_sessions
			(id, short_name, state, session_key, payload, overrides, redirect_session_id, organization_id, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, sess.ShortName, string(sess.State), sess.SessionKey, payload, overrides,
		nullableString(sess.RedirectSessionID), sess.OrganizationID, sess.ExpiresAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist init session")
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetInitSessionByKey looks up a session by its OAuth2 `state` or
// OAuth1 `oauth_token`. Missing returns apperrors NotFound.
func (s *Store) GetInitSessionByKey(ctx context.Context, sessionKey string) (ConnectionInitSession, error) {
	var sess ConnectionInitSession
	var payload, overrides []byte
	var redirectID *string
	var state string

	err := s.db.QueryRow(ctx, `
		SELECT id, short_name, state, session_key, payload, overrides, redirect_session_id, organization_id, expires_at, created_at
		FROM connection_init_sessions WHERE session_key = $1`,
		sessionKey).Scan(&sess.ID, &sess.ShortName, &state, &sess.SessionKey, &payload, &overrides,
		&redirectID, &sess.OrganizationID, &sess.ExpiresAt, &sess.CreatedAt)
	if err == pgx.ErrNoRows {
		return ConnectionInitSession{}, OAuthSessionNotFoundError(sessionKey)
	}
	if err != nil {
		return ConnectionInitSession{}, apperrors.Wrap(apperrors.KindInvariant, err, "load init session")
	}

	sess.State = SessionState(state)
	if redirectID != nil {
		sess.RedirectSessionID = *redirectID
	}
	if err := json.Unmarshal(payload, &sess.Payload); err != nil {
		return ConnectionInitSession{}, apperrors.Wrap(apperrors.KindInvariant, err, "unmarshal session payload")
	}
	if err := json.Unmarshal(overrides, &sess.Overrides); err != nil {
		return ConnectionInitSession{}, apperrors.Wrap(apperrors.KindInvariant, err, "unmarshal session overrides")
	}
	return sess, nil
}

// CompleteSession transitions a session PENDING -> COMPLETED, enforcing
// single-use (spec.md testable property 11): the UPDATE only applies
// when current state is still 'pending', and the caller must check
// rowsAffected to know whether it won the race.
func (s *Store) CompleteSession(ctx context.Context, sessionKey string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE connection_init_sessions SET state = $1
		WHERE session_key = $2 AND state = $3`,
		string(SessionCompleted), sessionKey, string(SessionPending))
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInvariant, err, "complete init session")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CreateRedirectSession(ctx context.Context, rs RedirectSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO redirect_sessions (code, target_url, expires_at) VALUES ($1,$2,$3)`,
		rs.Code, rs.TargetURL, rs.ExpiresAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist redirect session")
	}
	return nil
}

func (s *Store) GetRedirectSession(ctx context.Context, code string) (RedirectSession, error) {
	var rs RedirectSession
	rs.Code = code
	err := s.db.QueryRow(ctx, `SELECT target_url, expires_at FROM redirect_sessions WHERE code = $1`, code).
		Scan(&rs.TargetURL, &rs.ExpiresAt)
	if err == pgx.ErrNoRows {
		return RedirectSession{}, apperrors.New(apperrors.KindNotFound, "redirect session not found")
	}
	if err != nil {
		return RedirectSession{}, apperrors.Wrap(apperrors.KindInvariant, err, "load redirect session")
	}
	if time.Now().After(rs.ExpiresAt) {
		return RedirectSession{}, apperrors.New(apperrors.KindNotFound, "redirect session expired")
	}
	return rs, nil
}
