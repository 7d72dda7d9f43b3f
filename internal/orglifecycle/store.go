package orglifecycle

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// PostgresStore implements Store. Both CreateOrgUnitOfWork and
// DeleteOrgUnitOfWork run inside a single pgx transaction so the org
// row, its membership, its billing record, and its API key (or their
// deletion) commit or roll back together, per spec.md §4.7's "local
// UoW" framing.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS organizations (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			identity_org_id TEXT NOT NULL,
			customer_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS organization_memberships (
			organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			user_email TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (organization_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY,
			organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (p *PostgresStore) CreateOrgUnitOfWork(ctx context.Context, input CreateInput, identityOrgID, customerID string) (string, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "begin organization create transaction")
	}
	defer tx.Rollback(ctx)

	orgID := uuid.New()
	var customerCol *string
	if customerID != "" {
		customerCol = &customerID
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO organizations (id, name, identity_org_id, customer_id) VALUES ($1,$2,$3,$4)`,
		orgID, input.Name, identityOrgID, customerCol); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "insert organization")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO organization_memberships (organization_id, user_id, user_email, role) VALUES ($1,$2,$3,'owner')`,
		orgID, input.OwnerUserID, input.OwnerEmail); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "insert owner membership")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO api_keys (id, organization_id) VALUES ($1,$2)`, uuid.New(), orgID); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "insert default api key")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "commit organization create transaction")
	}
	return orgID.String(), nil
}

func (p *PostgresStore) LoadOrgForDelete(ctx context.Context, orgID string) (OrgRecord, error) {
	id, err := uuid.Parse(orgID)
	if err != nil {
		return OrgRecord{}, apperrors.Wrap(apperrors.KindValidation, err, "parse organization id")
	}

	var rec OrgRecord
	rec.OrgID = orgID
	var customerID *string
	err = p.db.QueryRow(ctx, `SELECT identity_org_id, customer_id FROM organizations WHERE id = $1`, id).
		Scan(&rec.IdentityOrgID, &customerID)
	if err == pgx.ErrNoRows {
		return OrgRecord{}, apperrors.New(apperrors.KindNotFound, "organization not found")
	}
	if err != nil {
		return OrgRecord{}, apperrors.Wrap(apperrors.KindInvariant, err, "load organization")
	}
	if customerID != nil {
		rec.CustomerID = *customerID
	}

	rows, err := p.db.Query(ctx, `SELECT user_email FROM organization_memberships WHERE organization_id = $1`, id)
	if err != nil {
		return OrgRecord{}, apperrors.Wrap(apperrors.KindInvariant, err, "load organization memberships")
	}
	defer rows.Close()
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return OrgRecord{}, apperrors.Wrap(apperrors.KindInvariant, err, "scan member email")
		}
		rec.AffectedUserEmails = append(rec.AffectedUserEmails, email)
	}
	return rec, nil
}

func (p *PostgresStore) DeleteOrgUnitOfWork(ctx context.Context, orgID string) error {
	id, err := uuid.Parse(orgID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "parse organization id")
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "begin organization delete transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM organization_memberships WHERE organization_id = $1`, id); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "delete organization memberships")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "delete organization")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindInvariant, err, "commit organization delete transaction")
	}
	return nil
}
