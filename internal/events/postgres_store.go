package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists provider events in PostgreSQL. The unique index on
// (provider, event_id) is the dedupe primitive for webhook replay.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `provider, event_id, event_type, status, received_at, occurred_at,
		      tenant_id, order_id, payment_reference_id, transfer_id,
		      payload_hash, payload, error_code, error_message, metadata`

func (p *PostgresStore) Insert(ctx context.Context, ev *Event) error {
	metadataJSON, _ := json.Marshal(ev.Metadata)
	if ev.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.Provider, ev.EventID, ev.EventType, string(ev.Status),
		ev.ReceivedAt, nullTime(ev.OccurredAt),
		nullString(ev.TenantID), nullString(ev.OrderID),
		nullString(ev.PaymentReferenceID), nullString(ev.TransferID),
		ev.PayloadHash, ev.Payload,
		nullString(ev.ErrorCode), nullString(ev.ErrorMessage), metadataJSON,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, provider, eventID string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM provider_events
		WHERE provider = $1 AND event_id = $2`, provider, eventID)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, provider, eventID string, status Status, errorCode, errorMessage string, metadata map[string]string) error {
	metadataJSON, _ := json.Marshal(metadata)
	if metadata == nil {
		metadataJSON = []byte("{}")
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE provider_events
		SET status = $1, error_code = $2, error_message = $3, metadata = metadata || $4::jsonb
		WHERE provider = $5 AND event_id = $6`,
		string(status), nullString(errorCode), nullString(errorMessage), metadataJSON,
		provider, eventID,
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

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM provider_events
		WHERE order_id = $1
		ORDER BY received_at DESC, event_id
		LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) ListByWindow(ctx context.Context, from, to time.Time, provider string, limit int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM provider_events
		WHERE received_at >= $1 AND received_at <= $2`
	args := []interface{}{from, to}
	if provider != "" {
		query += ` AND provider = $3`
		args = append(args, provider)
	}
	query += ` ORDER BY received_at DESC, event_id LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*Event, error) {
	ev := &Event{}
	var (
		status       string
		occurredAt   sql.NullTime
		tenantID     sql.NullString
		orderID      sql.NullString
		paymentRef   sql.NullString
		transferID   sql.NullString
		errorCode    sql.NullString
		errorMessage sql.NullString
		metadataJSON []byte
	)

	err := s.Scan(
		&ev.Provider, &ev.EventID, &ev.EventType, &status,
		&ev.ReceivedAt, &occurredAt,
		&tenantID, &orderID, &paymentRef, &transferID,
		&ev.PayloadHash, &ev.Payload,
		&errorCode, &errorMessage, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	ev.Status = Status(status)
	ev.TenantID = tenantID.String
	ev.OrderID = orderID.String
	ev.PaymentReferenceID = paymentRef.String
	ev.TransferID = transferID.String
	ev.ErrorCode = errorCode.String
	ev.ErrorMessage = errorMessage.String
	if occurredAt.Valid {
		ev.OccurredAt = &occurredAt.Time
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &ev.Metadata)
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
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
