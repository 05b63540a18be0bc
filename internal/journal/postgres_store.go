package journal

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/operations"
)

// PostgresStore persists the journal in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed journal.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, federation_id, operation_id, kind,
		       requested_msats, submitted_msats, locked_bps,
		       state, bridge_state, reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stability_pool_journal (
			id, federation_id, operation_id, kind,
			requested_msats, submitted_msats, locked_bps,
			state, bridge_state, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.FederationID, e.OperationID, string(e.Kind),
		int64(e.RequestedMsats), int64(e.SubmittedMsats), int(e.LockedBps),
		string(e.State), nullString(e.BridgeState), nullString(e.Reason),
		e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEntry
	}
	return err
}

func (p *PostgresStore) Update(ctx context.Context, e *Entry) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE stability_pool_journal SET
			state = $1, bridge_state = $2, reason = $3, updated_at = $4
		WHERE id = $5`,
		string(e.State), nullString(e.BridgeState), nullString(e.Reason), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM stability_pool_journal WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOperation(ctx context.Context, federationID, operationID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM stability_pool_journal
		WHERE federation_id = $1 AND operation_id = $2`, federationID, operationID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, federationID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM stability_pool_journal
		WHERE federation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, federationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                    Entry
		kind, state          string
		requested, submitted int64
		lockedBps            int
		bridgeState, reason  sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.FederationID, &e.OperationID, &kind,
		&requested, &submitted, &lockedBps,
		&state, &bridgeState, &reason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = operations.Kind(kind)
	e.State = State(state)
	e.RequestedMsats = amount.MSats(requested)
	e.SubmittedMsats = amount.MSats(submitted)
	e.LockedBps = amount.BasisPoints(lockedBps)
	e.BridgeState = bridgeState.String
	e.Reason = reason.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
