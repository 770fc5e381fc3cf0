package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is the subset of pgx behavior Enqueue needs. Both *pgxpool.Pool and
// pgx.Tx satisfy it, so callers can enqueue inside their own transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue inserts a pending entry. It must be called inside the same
// transaction as the business mutation the entry announces; enqueueing after
// the commit would reintroduce the dual-write problem this package exists to
// remove.
func Enqueue(ctx context.Context, db Execer, e Entry) error {
	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, exchange, routing_key, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := db.Exec(ctx, query, e.ID, e.AggregateType, e.AggregateID, e.Exchange, e.RoutingKey, e.Payload, StatusPending)
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

// PostgresStore reads and updates outbox rows for the relay process.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ListPending returns up to limit pending entries in creation order. Creation
// order is what guarantees per-aggregate dispatch ordering, so callers must
// not reorder the slice.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, exchange, routing_key, payload, status, created_at, dispatched_at
		FROM outbox
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Exchange, &e.RoutingKey, &e.Payload, &e.Status, &e.CreatedAt, &e.DispatchedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkDispatched flips entries to dispatched after the broker accepted them.
// Entries not marked here stay pending and are retried on the next drain.
func (s *PostgresStore) MarkDispatched(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE outbox SET status = $1, dispatched_at = NOW() WHERE id = ANY($2)`
	_, err := s.db.Exec(ctx, query, StatusDispatched, ids)
	return err
}

// DeleteDispatchedBefore prunes dispatched rows older than the retention
// window so the table stays small.
func (s *PostgresStore) DeleteDispatchedBefore(ctx context.Context, olderThanDays int) (int64, error) {
	query := `DELETE FROM outbox WHERE status = $1 AND dispatched_at < NOW() - ($2 * INTERVAL '1 day')`
	tag, err := s.db.Exec(ctx, query, StatusDispatched, olderThanDays)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
