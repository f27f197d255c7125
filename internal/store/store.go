// Package store is the Postgres persistence sink. All three tables are
// append-only: order book snapshots, the platform health log, and the
// hash-chained audit log.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"predarb/internal/audit"
	"predarb/pkg/types"
)

// Store wraps the database handle shared by all sinks.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

//go:embed schema.sql
var schema string

// EnsureSchema creates the append-only tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// SaveOrderBookSnapshot appends one normalized book observation.
func (s *Store) SaveOrderBookSnapshot(ctx context.Context, book *types.NormalizedOrderBook) error {
	bids, err := json.Marshal(book.Bids)
	if err != nil {
		return fmt.Errorf("marshaling bids: %w", err)
	}
	asks, err := json.Marshal(book.Asks)
	if err != nil {
		return fmt.Errorf("marshaling asks: %w", err)
	}

	var seq sql.NullInt64
	if book.SequenceNumber > 0 {
		seq = sql.NullInt64{Int64: book.SequenceNumber, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_book_snapshot
			(platform, contract_id, bids, asks, sequence_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(book.Venue), book.ContractID, bids, asks, seq, book.ObservedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting order book snapshot: %w", err)
	}
	return nil
}

// AppendHealth appends one platform health observation.
func (s *Store) AppendHealth(ctx context.Context, venue types.Venue, status types.HealthStatus, lastUpdate time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_health_log (platform, status, last_update, created_at)
		VALUES ($1, $2, $3, $4)`,
		string(venue), string(status), lastUpdate.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting health log entry: %w", err)
	}
	return nil
}

type auditRow struct {
	ID            int64          `db:"id"`
	EventType     string         `db:"event_type"`
	Module        string         `db:"module"`
	CorrelationID sql.NullString `db:"correlation_id"`
	Details       []byte         `db:"details"`
	PreviousHash  string         `db:"previous_hash"`
	CurrentHash   string         `db:"current_hash"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r auditRow) entry() (audit.Entry, error) {
	e := audit.Entry{
		ID:            r.ID,
		EventType:     r.EventType,
		Module:        r.Module,
		CorrelationID: r.CorrelationID.String,
		PreviousHash:  r.PreviousHash,
		CurrentHash:   r.CurrentHash,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &e.Details); err != nil {
			return audit.Entry{}, fmt.Errorf("decoding audit details for entry %d: %w", r.ID, err)
		}
	}
	return e, nil
}

// LastEntry returns the chain head.
func (s *Store) LastEntry(ctx context.Context) (audit.Entry, bool, error) {
	var row auditRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, event_type, module, correlation_id, details,
		       previous_hash, current_hash, created_at
		FROM audit_log ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, fmt.Errorf("loading last audit entry: %w", err)
	}
	e, err := row.entry()
	return e, err == nil, err
}

// Insert persists one audit entry and fills in its assigned id.
func (s *Store) Insert(ctx context.Context, e *audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshaling audit details: %w", err)
	}
	var corr sql.NullString
	if e.CorrelationID != "" {
		corr = sql.NullString{String: e.CorrelationID, Valid: true}
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log
			(event_type, module, correlation_id, details, previous_hash, current_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.EventType, e.Module, corr, details, e.PreviousHash, e.CurrentHash, e.CreatedAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Range returns audit entries created in [from, to], ascending by id.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]audit.Entry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, event_type, module, correlation_id, details,
		       previous_hash, current_hash, created_at
		FROM audit_log
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY id ASC`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("loading audit range: %w", err)
	}
	entries := make([]audit.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EntryBefore returns the entry immediately preceding the given id.
func (s *Store) EntryBefore(ctx context.Context, id int64) (audit.Entry, bool, error) {
	var row auditRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, event_type, module, correlation_id, details,
		       previous_hash, current_hash, created_at
		FROM audit_log WHERE id < $1 ORDER BY id DESC LIMIT 1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, fmt.Errorf("loading preceding audit entry: %w", err)
	}
	e, err := row.entry()
	return e, err == nil, err
}
