// Package datastore is the Postgres-backed repository layer that fills
// the narrow seams every domain package leaves open for "the concrete
// relational schema" (spec.md §1 Non-goals). It follows the same
// pgxpool-backed, EnsureSchema-at-startup shape as
// internal/credentials.Store, internal/oauthflow.Store, and
// internal/orglifecycle.PostgresStore — one struct per bounded
// repository seam, all sharing the schema EnsureSchema creates, each
// constructed once by cmd/server and handed to whichever service needs
// that narrow interface.
package datastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave-ai/airweave-core/internal/aclpipeline"
	"github.com/airweave-ai/airweave-core/internal/apperrors"
	"github.com/airweave-ai/airweave-core/internal/contextresolver"
	"github.com/airweave-ai/airweave-core/internal/credentials"
	"github.com/airweave-ai/airweave-core/internal/httpapi"
	"github.com/airweave-ai/airweave-core/internal/orchestrator"
	"github.com/airweave-ai/airweave-core/internal/progress"
	"github.com/airweave-ai/airweave-core/internal/searchpipeline"
	"github.com/airweave-ai/airweave-core/internal/sourceconn"
	"github.com/airweave-ai/airweave-core/internal/usageguardrail"
)

// EnsureSchema creates every table this package's repositories share.
// Called once at startup, same discipline as
// internal/oauthflow.Store.EnsureSchema and
// internal/mcpoauth.Store.EnsureSchema.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			primary_organization_id UUID,
			last_active_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS organizations (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			enabled_features JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS organization_memberships (
			organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			PRIMARY KEY (organization_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS source_connections (
			id UUID PRIMARY KEY,
			short_name TEXT NOT NULL,
			organization_id UUID NOT NULL,
			readable_collection_id TEXT NOT NULL,
			connection_id UUID,
			sync_id UUID,
			is_authenticated BOOLEAN NOT NULL DEFAULT false,
			authentication_method TEXT NOT NULL DEFAULT '',
			config_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
			is_active BOOLEAN NOT NULL DEFAULT true,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS sync_jobs (
			id UUID PRIMARY KEY,
			source_connection_id UUID NOT NULL,
			status TEXT NOT NULL,
			entities_inserted BIGINT NOT NULL DEFAULT 0,
			entities_updated BIGINT NOT NULL DEFAULT 0,
			entities_deleted BIGINT NOT NULL DEFAULT 0,
			entities_kept BIGINT NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT false,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS usage_counters (
			organization_id UUID NOT NULL,
			period_id TEXT NOT NULL,
			action TEXT NOT NULL,
			amount BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (organization_id, period_id, action)
		);
		CREATE TABLE IF NOT EXISTS access_control_memberships (
			source_connection_id UUID NOT NULL,
			member_id TEXT NOT NULL,
			member_type TEXT NOT NULL,
			group_id TEXT NOT NULL,
			group_name TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (source_connection_id, member_id, member_type, group_id)
		)`)
	return err
}

// hashAPIKey mirrors the irreversible digest internal/credentials would
// use if raw keys were ever compared: API keys are looked up by hash,
// never stored or logged in the clear.
func hashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// IdentityStore implements contextresolver's UserStore, OrgStore, and
// APIKeyStore seams over the users/organizations/api_keys tables.
type IdentityStore struct{ db *pgxpool.Pool }

func NewIdentityStore(db *pgxpool.Pool) *IdentityStore { return &IdentityStore{db: db} }

func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (contextresolver.User, error) {
	return s.scanUser(ctx, `SELECT id, email, coalesce(primary_organization_id, '00000000-0000-0000-0000-000000000000') FROM users WHERE email = $1`, email)
}

func (s *IdentityStore) UpsertFromIdentityProvider(ctx context.Context, subject, email string) (contextresolver.User, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email`, id, email)
	if err != nil {
		return contextresolver.User{}, apperrors.Wrap(apperrors.KindInvariant, err, "upsert user")
	}
	return s.GetByEmail(ctx, email)
}

func (s *IdentityStore) TouchLastActive(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET last_active_at = now() WHERE id = $1`, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "touch user last active")
	}
	return nil
}

func (s *IdentityStore) scanUser(ctx context.Context, q string, args ...any) (contextresolver.User, error) {
	var u contextresolver.User
	err := s.db.QueryRow(ctx, q, args...).Scan(&u.ID, &u.Email, &u.PrimaryOrganizationID)
	if err == pgx.ErrNoRows {
		return contextresolver.User{}, apperrors.New(apperrors.KindNotFound, "unknown user")
	}
	if err != nil {
		return contextresolver.User{}, apperrors.Wrap(apperrors.KindInvariant, err, "load user")
	}
	memRows, err := s.db.Query(ctx, `SELECT organization_id, role FROM organization_memberships WHERE user_id = $1`, u.ID)
	if err != nil {
		return contextresolver.User{}, apperrors.Wrap(apperrors.KindInvariant, err, "load user memberships")
	}
	defer memRows.Close()
	for memRows.Next() {
		var m contextresolver.Membership
		if err := memRows.Scan(&m.OrganizationID, &m.Role); err != nil {
			return contextresolver.User{}, apperrors.Wrap(apperrors.KindInvariant, err, "scan membership")
		}
		u.Memberships = append(u.Memberships, m)
	}
	return u, nil
}

func (s *IdentityStore) GetOrganization(ctx context.Context, id uuid.UUID) (contextresolver.Organization, error) {
	var org contextresolver.Organization
	var features []byte
	err := s.db.QueryRow(ctx, `SELECT id, name, enabled_features FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &features)
	if err == pgx.ErrNoRows {
		return contextresolver.Organization{}, apperrors.New(apperrors.KindNotFound, "organization not found")
	}
	if err != nil {
		return contextresolver.Organization{}, apperrors.Wrap(apperrors.KindInvariant, err, "load organization")
	}
	_ = json.Unmarshal(features, &org.EnabledFeatures)
	return org, nil
}

func (s *IdentityStore) GetByKey(ctx context.Context, rawKey string) (contextresolver.APIKey, error) {
	hash := hashAPIKey(rawKey)
	var ak contextresolver.APIKey
	err := s.db.QueryRow(ctx, `SELECT key_hash, organization_id FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&ak.KeyHash, &ak.OrganizationID)
	if err == pgx.ErrNoRows {
		return contextresolver.APIKey{}, apperrors.New(apperrors.KindAuth, "unknown api key")
	}
	if err != nil {
		return contextresolver.APIKey{}, apperrors.Wrap(apperrors.KindInvariant, err, "load api key")
	}
	return ak, nil
}

// OrgAdapter narrows IdentityStore to contextresolver.OrgStore's single
// Get(ctx, id) method — kept separate from IdentityStore itself because
// contextresolver.APIKey also embeds an OrganizationID field fetched by
// a different query shape, and Go forbids two differently-signed
// methods both named Get on one type.
type OrgAdapter struct{ *IdentityStore }

func (a OrgAdapter) Get(ctx context.Context, id uuid.UUID) (contextresolver.Organization, error) {
	return a.GetOrganization(ctx, id)
}

// SourceConnStore implements sourceconn.Store over the
// source_connections table.
type SourceConnStore struct{ db *pgxpool.Pool }

func NewSourceConnStore(db *pgxpool.Pool) *SourceConnStore { return &SourceConnStore{db: db} }

func (s *SourceConnStore) Create(ctx context.Context, sc sourceconn.SourceConnection) error {
	cfg, _ := json.Marshal(sc.ConfigFields)
	_, err := s.db.Exec(ctx, `
		INSERT INTO source_connections
			(id, short_name, organization_id, readable_collection_id, connection_id, sync_id,
			 is_authenticated, authentication_method, config_fields, is_active, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sc.ID, sc.ShortName, sc.OrganizationID, sc.ReadableCollectionID, sc.ConnectionID, sc.SyncID,
		sc.IsAuthenticated, string(sc.AuthenticationMethod), cfg, sc.IsActive, string(sc.State))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "persist source connection")
	}
	return nil
}

func (s *SourceConnStore) Get(ctx context.Context, orgID, id uuid.UUID) (sourceconn.SourceConnection, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, short_name, organization_id, readable_collection_id, connection_id, sync_id,
			is_authenticated, authentication_method, config_fields, is_active, state, created_at, updated_at
		 FROM source_connections WHERE id = $1 AND organization_id = $2`, id, orgID)
	return scanSourceConnectionRow(row)
}

func (s *SourceConnStore) List(ctx context.Context, orgID uuid.UUID) ([]sourceconn.SourceConnection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, short_name, organization_id, readable_collection_id, connection_id, sync_id,
			is_authenticated, authentication_method, config_fields, is_active, state, created_at, updated_at
		FROM source_connections WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvariant, err, "list source connections")
	}
	defer rows.Close()
	var out []sourceconn.SourceConnection
	for rows.Next() {
		sc, err := scanSourceConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *SourceConnStore) Update(ctx context.Context, sc sourceconn.SourceConnection) error {
	cfg, _ := json.Marshal(sc.ConfigFields)
	_, err := s.db.Exec(ctx, `
		UPDATE source_connections SET
			connection_id = $1, sync_id = $2, is_authenticated = $3, authentication_method = $4,
			config_fields = $5, is_active = $6, state = $7, updated_at = now()
		WHERE id = $8 AND organization_id = $9`,
		sc.ConnectionID, sc.SyncID, sc.IsAuthenticated, string(sc.AuthenticationMethod),
		cfg, sc.IsActive, string(sc.State), sc.ID, sc.OrganizationID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "update source connection")
	}
	return nil
}

func (s *SourceConnStore) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM source_connections WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "delete source connection")
	}
	return nil
}

// rowScanner is the subset of pgx.Row/pgx.Rows this package's row-scan
// helper needs, so it works for both QueryRow and Query call sites.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceConnectionRow(row rowScanner) (sourceconn.SourceConnection, error) {
	var sc sourceconn.SourceConnection
	var method, state string
	var cfg []byte
	err := row.Scan(&sc.ID, &sc.ShortName, &sc.OrganizationID, &sc.ReadableCollectionID, &sc.ConnectionID, &sc.SyncID,
		&sc.IsAuthenticated, &method, &cfg, &sc.IsActive, &state, &sc.CreatedAt, &sc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return sourceconn.SourceConnection{}, apperrors.New(apperrors.KindNotFound, "source connection not found")
	}
	if err != nil {
		return sourceconn.SourceConnection{}, apperrors.Wrap(apperrors.KindInvariant, err, "scan source connection row")
	}
	sc.AuthenticationMethod = credentials.AuthMethod(method)
	sc.State = sourceconn.State(state)
	_ = json.Unmarshal(cfg, &sc.ConfigFields)
	return sc, nil
}

// JobStore implements orchestrator.JobStore plus the extra listing
// method httpapi.JobStore needs, over the sync_jobs table.
type JobStore struct{ db *pgxpool.Pool }

func NewJobStore(db *pgxpool.Pool) *JobStore { return &JobStore{db: db} }

func (s *JobStore) MarkRunning(ctx context.Context, syncJobID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE sync_jobs SET status = 'RUNNING' WHERE id = $1`, syncJobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "mark sync job running")
	}
	return nil
}

func (s *JobStore) MarkTerminal(ctx context.Context, syncJobID uuid.UUID, status orchestrator.Status, counters progress.Counters, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sync_jobs SET status = $1, entities_inserted = $2, entities_updated = $3,
			entities_deleted = $4, entities_kept = $5, error_message = $6, completed_at = now()
		WHERE id = $7`,
		string(status), counters.Inserted, counters.Updated, counters.Deleted, counters.Kept, errMsg, syncJobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "mark sync job terminal")
	}
	return nil
}

func (s *JobStore) RequestCancel(ctx context.Context, syncJobID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE sync_jobs SET cancel_requested = true WHERE id = $1`, syncJobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "request sync job cancel")
	}
	return nil
}

func (s *JobStore) IsCancelling(ctx context.Context, syncJobID uuid.UUID) (bool, error) {
	var cancelling bool
	err := s.db.QueryRow(ctx, `SELECT cancel_requested FROM sync_jobs WHERE id = $1`, syncJobID).Scan(&cancelling)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindInvariant, err, "check sync job cancel state")
	}
	return cancelling, nil
}

// CreateSyncJob inserts a new PENDING sync job row, called by whatever
// SyncTrigger adapter backs sourceconn.Service's EnqueueSync.
func (s *JobStore) CreateSyncJob(ctx context.Context, id, sourceConnectionID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_jobs (id, source_connection_id, status) VALUES ($1, $2, 'PENDING')`,
		id, sourceConnectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "create sync job")
	}
	return nil
}

// EnqueueSync and CancelSync satisfy sourceconn.SyncTrigger. Actual
// per-connector batch execution is out of scope (spec.md §1 "specific
// per-source connector business logic"), so this only records the job
// row and its cancellation flag; internal/orchestrator.Orchestrator is
// the piece a connector-equipped deployment would drive from here.
func (s *JobStore) EnqueueSync(ctx context.Context, sourceConnectionID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	if err := s.CreateSyncJob(ctx, id, sourceConnectionID); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *JobStore) CancelSync(ctx context.Context, syncID uuid.UUID) error {
	return s.RequestCancel(ctx, syncID)
}

func (s *JobStore) List(ctx context.Context, sourceConnectionID uuid.UUID) ([]httpapi.SyncJobView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, status, entities_inserted, entities_updated, entities_deleted, entities_kept,
			started_at, completed_at, error_message
		FROM sync_jobs WHERE source_connection_id = $1 ORDER BY started_at DESC`, sourceConnectionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvariant, err, "list sync jobs")
	}
	defer rows.Close()
	var out []httpapi.SyncJobView
	for rows.Next() {
		var v httpapi.SyncJobView
		var completedAt *time.Time
		if err := rows.Scan(&v.ID, &v.Status, &v.EntitiesInserted, &v.EntitiesUpdated, &v.EntitiesDeleted,
			&v.EntitiesKept, &v.StartedAt, &completedAt, &v.Error); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInvariant, err, "scan sync job row")
		}
		v.CompletedAt = completedAt
		out = append(out, v)
	}
	return out, nil
}

// UsageStore implements usageguardrail.DB over the source_connections,
// organization_memberships, and usage_counters tables.
type UsageStore struct{ db *pgxpool.Pool }

func NewUsageStore(db *pgxpool.Pool) *UsageStore { return &UsageStore{db: db} }

func (s *UsageStore) GetBillingRecord(ctx context.Context, orgID uuid.UUID) (*usageguardrail.BillingRecord, error) {
	return &usageguardrail.BillingRecord{Status: usageguardrail.BillingActive}, nil
}

func (s *UsageStore) GetCachedCumulativeUsage(ctx context.Context, orgID uuid.UUID, action usageguardrail.Action) (int64, error) {
	var amount int64
	err := s.db.QueryRow(ctx, `
		SELECT coalesce(sum(amount), 0) FROM usage_counters WHERE organization_id = $1 AND action = $2`,
		orgID, string(action)).Scan(&amount)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInvariant, err, "load cumulative usage")
	}
	return amount, nil
}

func (s *UsageStore) FlushCumulativeUsage(ctx context.Context, orgID uuid.UUID, action usageguardrail.Action, delta int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_counters (organization_id, period_id, action, amount)
		VALUES ($1, to_char(now(), 'YYYY-MM'), $2, $3)
		ON CONFLICT (organization_id, period_id, action)
		DO UPDATE SET amount = usage_counters.amount + EXCLUDED.amount`,
		orgID, string(action), delta)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "flush cumulative usage")
	}
	return nil
}

func (s *UsageStore) GetDynamicCount(ctx context.Context, orgID uuid.UUID, action usageguardrail.Action) (int64, error) {
	switch action {
	case usageguardrail.ActionSourceConnections:
		var n int64
		err := s.db.QueryRow(ctx, `SELECT count(*) FROM source_connections WHERE organization_id = $1 AND is_active`, orgID).Scan(&n)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindInvariant, err, "count active source connections")
		}
		return n, nil
	case usageguardrail.ActionTeamMembers:
		var n int64
		err := s.db.QueryRow(ctx, `SELECT count(*) FROM organization_memberships WHERE organization_id = $1`, orgID).Scan(&n)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindInvariant, err, "count team members")
		}
		return n, nil
	default:
		return 0, nil
	}
}

// DashboardStore implements httpapi.DashboardStore over the
// usage_counters table, folding the prior calendar month's totals into
// "previous period" for the §6 trend computation.
type DashboardStore struct{ db *pgxpool.Pool }

func NewDashboardStore(db *pgxpool.Pool) *DashboardStore { return &DashboardStore{db: db} }

func (s *DashboardStore) PeriodTotals(ctx context.Context, orgID string, periodID string) (httpapi.PeriodTotals, error) {
	return s.periodTotals(ctx, orgID, periodID)
}

func (s *DashboardStore) PreviousPeriodTotals(ctx context.Context, orgID string, periodID string) (httpapi.PeriodTotals, error) {
	return s.periodTotals(ctx, orgID, previousPeriodID(periodID))
}

func (s *DashboardStore) periodTotals(ctx context.Context, orgID string, periodID string) (httpapi.PeriodTotals, error) {
	id, err := uuid.Parse(orgID)
	if err != nil {
		return httpapi.PeriodTotals{}, apperrors.Wrap(apperrors.KindValidation, err, "parse organization id")
	}
	totals := httpapi.PeriodTotals{PeriodID: periodID}
	rows, err := s.db.Query(ctx, `
		SELECT action, amount FROM usage_counters WHERE organization_id = $1 AND period_id = $2`, id, periodID)
	if err != nil {
		return httpapi.PeriodTotals{}, apperrors.Wrap(apperrors.KindInvariant, err, "load period totals")
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var amount int64
		if err := rows.Scan(&action, &amount); err != nil {
			return httpapi.PeriodTotals{}, apperrors.Wrap(apperrors.KindInvariant, err, "scan period total")
		}
		switch usageguardrail.Action(action) {
		case usageguardrail.ActionEntities:
			totals.Entities = amount
		case usageguardrail.ActionQueries:
			totals.Queries = amount
		case usageguardrail.ActionSourceConnections:
			totals.SourceConnections = amount
		case usageguardrail.ActionTeamMembers:
			totals.TeamMembers = amount
		}
	}
	return totals, nil
}

func previousPeriodID(periodID string) string {
	t, err := time.Parse("2006-01", periodID)
	if err != nil {
		return periodID
	}
	return t.AddDate(0, -1, 0).Format("2006-01")
}

// CollectionMetaAdapter implements httpapi.CollectionMetaStore. The
// concrete entity-definition/collection schema is out of scope (spec.md
// §1), so this returns an empty CollectionMeta rather than a real
// lookup — the search pipeline still runs, just without per-source
// filtering hints.
type CollectionMetaAdapter struct{}

func (CollectionMetaAdapter) CollectionMeta(ctx context.Context, collectionID string) (searchpipeline.CollectionMeta, error) {
	return searchpipeline.CollectionMeta{}, nil
}

// ACLStore implements aclpipeline.Store (spec.md §4.5) against the
// access_control_memberships table: bulk upsert for a full sync's
// collected tuples, orphan delete for the rows a full sync no longer
// sees, and single-row upsert/delete for incremental DirSync changes.
type ACLStore struct{ db *pgxpool.Pool }

func NewACLStore(db *pgxpool.Pool) *ACLStore { return &ACLStore{db: db} }

func (s *ACLStore) BulkUpsert(ctx context.Context, sourceConnectionID string, memberships []aclpipeline.Membership) error {
	scID, err := uuid.Parse(sourceConnectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse source connection id")
	}
	batch := &pgx.Batch{}
	for _, m := range memberships {
		batch.Queue(`
			INSERT INTO access_control_memberships (source_connection_id, member_id, member_type, group_id, group_name, updated_at)
			VALUES ($1,$2,$3,$4,$5,now())
			ON CONFLICT (source_connection_id, member_id, member_type, group_id)
			DO UPDATE SET group_name = EXCLUDED.group_name, updated_at = now()`,
			scID, m.MemberID, string(m.MemberType), m.GroupID, m.GroupName)
	}
	if len(memberships) == 0 {
		return nil
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(memberships); i++ {
		if _, err := br.Exec(); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "bulk upsert acl membership")
		}
	}
	return nil
}

func (s *ACLStore) DeleteOrphans(ctx context.Context, sourceConnectionID string, keep map[string]bool) error {
	scID, err := uuid.Parse(sourceConnectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse source connection id")
	}
	rows, err := s.db.Query(ctx, `
		SELECT member_id, member_type, group_id FROM access_control_memberships
		WHERE source_connection_id = $1`, scID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "load acl memberships for orphan scan")
	}
	type key struct{ memberID, memberType, groupID string }
	var orphans []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.memberID, &k.memberType, &k.groupID); err != nil {
			rows.Close()
			return apperrors.Wrap(apperrors.KindInvariant, err, "scan acl membership")
		}
		if !keep[string(aclpipeline.MemberType(k.memberType))+"\x00"+k.memberID+"\x00"+k.groupID] {
			orphans = append(orphans, k)
		}
	}
	rows.Close()
	for _, k := range orphans {
		if _, err := s.db.Exec(ctx, `
			DELETE FROM access_control_memberships
			WHERE source_connection_id = $1 AND member_id = $2 AND member_type = $3 AND group_id = $4`,
			scID, k.memberID, k.memberType, k.groupID); err != nil {
			return apperrors.Wrap(apperrors.KindInvariant, err, "delete orphaned acl membership")
		}
	}
	return nil
}

func (s *ACLStore) Upsert(ctx context.Context, sourceConnectionID string, m aclpipeline.Membership) error {
	scID, err := uuid.Parse(sourceConnectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse source connection id")
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO access_control_memberships (source_connection_id, member_id, member_type, group_id, group_name, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (source_connection_id, member_id, member_type, group_id)
		DO UPDATE SET group_name = EXCLUDED.group_name, updated_at = now()`,
		scID, m.MemberID, string(m.MemberType), m.GroupID, m.GroupName)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "upsert acl membership")
	}
	return nil
}

func (s *ACLStore) Delete(ctx context.Context, sourceConnectionID string, m aclpipeline.Membership) error {
	scID, err := uuid.Parse(sourceConnectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "parse source connection id")
	}
	_, err = s.db.Exec(ctx, `
		DELETE FROM access_control_memberships
		WHERE source_connection_id = $1 AND member_id = $2 AND member_type = $3 AND group_id = $4`,
		scID, m.MemberID, string(m.MemberType), m.GroupID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "delete acl membership")
	}
	return nil
}
