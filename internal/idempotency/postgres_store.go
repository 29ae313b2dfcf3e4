package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists idempotency records in PostgreSQL. The unique index
// on (provider, scope, key) is the compare-and-swap that makes Acquire safe
// across processes; no other locking exists.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `provider, scope, key, operation, status, request_hash, response_hash,
		       tenant_id, order_id, reference_id, metadata, created_at, updated_at, expires_at`

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	metadataJSON, _ := json.Marshal(rec.Metadata)
	if rec.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.Provider, rec.Scope, rec.Key, rec.Operation, string(rec.Status),
		nullString(rec.RequestHash), nullString(rec.ResponseHash),
		nullString(rec.TenantID), nullString(rec.OrderID), nullString(rec.ReferenceID),
		metadataJSON, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.ExpiresAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, provider, scope, key string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM idempotency_keys
		WHERE provider = $1 AND scope = $2 AND key = $3`,
		provider, scope, key)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) MarkResult(ctx context.Context, provider, scope, key string, status Status, responseHash string, metadata map[string]string, now time.Time) error {
	metadataJSON, _ := json.Marshal(metadata)
	if metadata == nil {
		metadataJSON = []byte("{}")
	}

	// Conditional update: only an IN_PROGRESS row transitions. A zero row
	// count means either no record or a terminal one; disambiguate after.
	result, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, response_hash = $2, metadata = metadata || $3::jsonb, updated_at = $4
		WHERE provider = $5 AND scope = $6 AND key = $7 AND status = 'IN_PROGRESS'`,
		string(status), nullString(responseHash), metadataJSON, now,
		provider, scope, key,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, provider, scope, key); getErr != nil {
			return getErr
		}
		return ErrNotInProgress
	}
	return nil
}

func (p *PostgresStore) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Record, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM idempotency_keys
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var (
		status       string
		requestHash  sql.NullString
		responseHash sql.NullString
		tenantID     sql.NullString
		orderID      sql.NullString
		referenceID  sql.NullString
		metadataJSON []byte
		expiresAt    sql.NullTime
	)

	err := s.Scan(
		&rec.Provider, &rec.Scope, &rec.Key, &rec.Operation, &status,
		&requestHash, &responseHash,
		&tenantID, &orderID, &referenceID,
		&metadataJSON, &rec.CreatedAt, &rec.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.RequestHash = requestHash.String
	rec.ResponseHash = responseHash.String
	rec.TenantID = tenantID.String
	rec.OrderID = orderID.String
	rec.ReferenceID = referenceID.String
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &rec.Metadata)
	}
	return rec, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
