/**
 * @description
 * PostgreSQL implementation of the transfer Repository. Saga state, step
 * history, the command log, idempotency records, and outbox entries all live
 * in one database so every transition commits atomically.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/outbox: transactional outbox enqueue.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/transfer/domain"
)

var (
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrCommandNotFound     = errors.New("transfer command not found")
	ErrIdempotencyNotFound = errors.New("idempotency record not found")
	ErrDuplicateRequest    = errors.New("client request id already used")

	// ErrStaleTransition means the transfer left the expected state before
	// this transition ran: a duplicate or out-of-order event. Callers log
	// and discard; nothing was written.
	ErrStaleTransition = errors.New("stale saga transition")
)

const pgUniqueViolation = "23505"

// PostgresRepository is the pgx-backed Repository implementation.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSaga writes the accepted transfer and everything announcing it.
func (r *PostgresRepository) CreateSaga(ctx context.Context, p CreateSagaParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	t := p.Transfer
	_, err = tx.Exec(ctx, `
		INSERT INTO transfers (id, source_wallet_id, destination_wallet_id, amount_minor_units, currency, status, client_request_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.SourceWalletID, t.DestinationWalletID, t.AmountMinorUnits, t.Currency, t.Status, t.ClientRequestID, t.CorrelationID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateRequest
		}
		return err
	}

	for _, c := range p.Commands {
		_, err = tx.Exec(ctx, `
			INSERT INTO transfer_commands (id, transfer_id, type, wallet_id, amount_minor_units, status, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, c.TransferID, c.Type, c.WalletID, c.AmountMinorUnits, c.Status, c.SentAt)
		if err != nil {
			return err
		}
	}

	idem := p.Idempotency
	_, err = tx.Exec(ctx, `
		INSERT INTO transfer_idempotency (client_request_id, transfer_id, request_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, idem.ClientRequestID, idem.TransferID, idem.RequestHash, idem.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateRequest
		}
		return err
	}

	if err := insertStep(ctx, tx, p.OpeningStep); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, p.Entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Advance applies one guarded state transition.
func (r *PostgresRepository) Advance(ctx context.Context, p AdvanceParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var completedClause string
	if p.Completed {
		completedClause = ", completed_at = NOW()"
	}
	query := fmt.Sprintf(`
		UPDATE transfers
		SET status = $1, failure_stage = COALESCE($2, failure_stage), failure_reason = COALESCE($3, failure_reason), updated_at = NOW()%s
		WHERE id = $4 AND status = $5
	`, completedClause)
	tag, err := tx.Exec(ctx, query, p.ToStatus, p.FailureStage, p.FailureReason, p.TransferID, p.FromStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}

	if p.AckCommandID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE transfer_commands SET status = $1, acknowledged_at = NOW() WHERE id = $2
		`, domain.CommandAcked, *p.AckCommandID)
		if err != nil {
			return err
		}
	}
	if p.FailCommandID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE transfer_commands SET status = $1, last_error = $2, retry_count = retry_count + 1 WHERE id = $3
		`, domain.CommandFailed, p.CommandError, *p.FailCommandID)
		if err != nil {
			return err
		}
	}
	if p.SendCommandID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE transfer_commands SET status = $1, sent_at = NOW() WHERE id = $2
		`, domain.CommandSent, *p.SendCommandID)
		if err != nil {
			return err
		}
	}
	if p.InsertCommand != nil {
		c := p.InsertCommand
		_, err = tx.Exec(ctx, `
			INSERT INTO transfer_commands (id, transfer_id, type, wallet_id, amount_minor_units, status, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, c.ID, c.TransferID, c.Type, c.WalletID, c.AmountMinorUnits, domain.CommandSent)
		if err != nil {
			return err
		}
	}

	if err := insertStep(ctx, tx, p.Step); err != nil {
		return err
	}

	for _, e := range p.Entries {
		if err := outbox.Enqueue(ctx, tx, e); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindTransferByID retrieves a transfer.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	var t domain.Transfer
	err := r.db.QueryRow(ctx, `
		SELECT id, source_wallet_id, destination_wallet_id, amount_minor_units, currency, status,
		       failure_stage, failure_reason, client_request_id, correlation_id, created_at, updated_at, completed_at
		FROM transfers
		WHERE id = $1
	`, transferID).Scan(
		&t.ID, &t.SourceWalletID, &t.DestinationWalletID, &t.AmountMinorUnits, &t.Currency, &t.Status,
		&t.FailureStage, &t.FailureReason, &t.ClientRequestID, &t.CorrelationID, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindCommandByID retrieves a command-log row.
func (r *PostgresRepository) FindCommandByID(ctx context.Context, commandID uuid.UUID) (*domain.Command, error) {
	var c domain.Command
	err := r.db.QueryRow(ctx, `
		SELECT id, transfer_id, type, wallet_id, amount_minor_units, status, retry_count, last_error, sent_at, acknowledged_at, created_at
		FROM transfer_commands
		WHERE id = $1
	`, commandID).Scan(
		&c.ID, &c.TransferID, &c.Type, &c.WalletID, &c.AmountMinorUnits, &c.Status, &c.RetryCount, &c.LastError, &c.SentAt, &c.AcknowledgedAt, &c.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindCommand retrieves a transfer's command of the given type.
func (r *PostgresRepository) FindCommand(ctx context.Context, transferID uuid.UUID, commandType string) (*domain.Command, error) {
	var c domain.Command
	err := r.db.QueryRow(ctx, `
		SELECT id, transfer_id, type, wallet_id, amount_minor_units, status, retry_count, last_error, sent_at, acknowledged_at, created_at
		FROM transfer_commands
		WHERE transfer_id = $1 AND type = $2
	`, transferID, commandType).Scan(
		&c.ID, &c.TransferID, &c.Type, &c.WalletID, &c.AmountMinorUnits, &c.Status, &c.RetryCount, &c.LastError, &c.SentAt, &c.AcknowledgedAt, &c.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListSteps returns a transfer's step history in order.
func (r *PostgresRepository) ListSteps(ctx context.Context, transferID uuid.UUID) ([]domain.Step, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, transfer_id, from_status, to_status, event_id, occurred_at
		FROM transfer_steps
		WHERE transfer_id = $1
		ORDER BY occurred_at, id
	`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var s domain.Step
		if err := rows.Scan(&s.ID, &s.TransferID, &s.FromStatus, &s.ToStatus, &s.EventID, &s.OccurredAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// FindIdempotencyRecord retrieves a client-submission idempotency record.
func (r *PostgresRepository) FindIdempotencyRecord(ctx context.Context, clientRequestID string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.db.QueryRow(ctx, `
		SELECT client_request_id, transfer_id, request_hash, expires_at, created_at
		FROM transfer_idempotency
		WHERE client_request_id = $1
	`, clientRequestID).Scan(&rec.ClientRequestID, &rec.TransferID, &rec.RequestHash, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIdempotencyNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListOverdueCommands returns sent commands whose deadline elapsed.
func (r *PostgresRepository) ListOverdueCommands(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Command, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, transfer_id, type, wallet_id, amount_minor_units, status, retry_count, last_error, sent_at, acknowledged_at, created_at
		FROM transfer_commands
		WHERE status = $1 AND sent_at < $2
		ORDER BY sent_at
		LIMIT $3
	`, domain.CommandSent, sentBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []domain.Command
	for rows.Next() {
		var c domain.Command
		if err := rows.Scan(&c.ID, &c.TransferID, &c.Type, &c.WalletID, &c.AmountMinorUnits, &c.Status, &c.RetryCount, &c.LastError, &c.SentAt, &c.AcknowledgedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// RequeueCommand re-issues an unconfirmed command.
func (r *PostgresRepository) RequeueCommand(ctx context.Context, commandID uuid.UUID, entry outbox.Entry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transfer_commands
		SET retry_count = retry_count + 1, sent_at = NOW()
		WHERE id = $1 AND status = $2
	`, commandID, domain.CommandSent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Confirmed between the sweep and this write; nothing to re-issue.
		return ErrStaleTransition
	}

	if err := outbox.Enqueue(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertStep(ctx context.Context, tx pgx.Tx, s domain.Step) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transfer_steps (id, transfer_id, from_status, to_status, event_id)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.TransferID, s.FromStatus, s.ToStatus, s.EventID)
	return err
}
