package transfer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transfer intents in PostgreSQL. Unique indexes on
// id, idempotency_key, and idempotence_token back the at-most-one-attempt
// guarantee.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, order_id, release_attempt_id, attempt_number, destination_type,
		       provider_profile_id, state, auto_retry_blocked, transfer_id, quote_id,
		       provider_status, provider_status_at, last_error_code, last_error_message,
		       poll_attempts, max_poll_attempts, idempotency_key, idempotence_token,
		       created_by, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, in *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		in.ID, in.OrderID, in.ReleaseAttemptID, in.AttemptNumber, in.DestinationType,
		in.ProviderProfileID, string(in.State), in.AutoRetryBlocked,
		nullString(in.TransferID), nullString(in.QuoteID),
		nullString(in.ProviderStatus), nullTime(in.ProviderStatusAt),
		nullString(in.LastErrorCode), nullString(in.LastErrorMessage),
		in.PollAttempts, in.MaxPollAttempts, in.IdempotencyKey, in.IdempotenceToken,
		nullString(in.CreatedBy), in.CreatedAt, in.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateIntent
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	return p.getWhere(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Intent, error) {
	return p.getWhere(ctx, `idempotency_key = $1`, key)
}

func (p *PostgresStore) GetByTransferID(ctx context.Context, transferID string) (*Intent, error) {
	return p.getWhere(ctx, `transfer_id = $1`, transferID)
}

func (p *PostgresStore) getWhere(ctx context.Context, where string, arg interface{}) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM transfer_intents WHERE `+where, arg)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

func (p *PostgresStore) LatestByOrder(ctx context.Context, orderID string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM transfer_intents
		WHERE order_id = $1
		ORDER BY attempt_number DESC
		LIMIT 1`, orderID)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

func (p *PostgresStore) Update(ctx context.Context, in *Intent) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfer_intents SET
			state = $1, auto_retry_blocked = $2, transfer_id = $3, quote_id = $4,
			provider_status = $5, provider_status_at = $6,
			last_error_code = $7, last_error_message = $8,
			poll_attempts = $9, updated_at = $10
		WHERE id = $11`,
		string(in.State), in.AutoRetryBlocked,
		nullString(in.TransferID), nullString(in.QuoteID),
		nullString(in.ProviderStatus), nullTime(in.ProviderStatusAt),
		nullString(in.LastErrorCode), nullString(in.LastErrorMessage),
		in.PollAttempts, in.UpdatedAt,
		in.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByWindow(ctx context.Context, from, to time.Time, limit int) ([]*Intent, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM transfer_intents
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC, id
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(s scanner) (*Intent, error) {
	in := &Intent{}
	var (
		state            string
		transferID       sql.NullString
		quoteID          sql.NullString
		providerStatus   sql.NullString
		providerStatusAt sql.NullTime
		lastErrorCode    sql.NullString
		lastErrorMessage sql.NullString
		createdBy        sql.NullString
	)

	err := s.Scan(
		&in.ID, &in.OrderID, &in.ReleaseAttemptID, &in.AttemptNumber, &in.DestinationType,
		&in.ProviderProfileID, &state, &in.AutoRetryBlocked, &transferID, &quoteID,
		&providerStatus, &providerStatusAt, &lastErrorCode, &lastErrorMessage,
		&in.PollAttempts, &in.MaxPollAttempts, &in.IdempotencyKey, &in.IdempotenceToken,
		&createdBy, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.State = State(state)
	in.TransferID = transferID.String
	in.QuoteID = quoteID.String
	in.ProviderStatus = providerStatus.String
	in.LastErrorCode = lastErrorCode.String
	in.LastErrorMessage = lastErrorMessage.String
	in.CreatedBy = createdBy.String
	if providerStatusAt.Valid {
		in.ProviderStatusAt = &providerStatusAt.Time
	}
	return in, nil
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
