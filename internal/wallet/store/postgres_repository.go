/**
 * @description
 * PostgreSQL implementation of the wallet Repository. The hot path is
 * ApplyMovement: a single transaction that checks idempotency, validates the
 * balance invariant, writes the immutable movement row, bumps the wallet's
 * version-guarded balance, records the command outcome, and enqueues the
 * result event in the outbox.
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
	"github.com/Brankond/Momentum/internal/wallet/domain"
)

var (
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrWalletExists          = errors.New("wallet already exists for owner and currency")
	ErrWalletInactive        = errors.New("wallet is not active")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrVersionConflict       = errors.New("wallet version conflict")
	ErrCommandResultNotFound = errors.New("command result not found")
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

// CreateWallet inserts a new wallet. An opening balance is recorded as the
// wallet's starting state, not as a movement; provisioning happens before the
// wallet participates in any transfer.
func (r *PostgresRepository) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	query := `
		INSERT INTO wallets (id, owner_id, currency, balance_minor_units, status, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, w.ID, w.OwnerID, w.Currency, w.BalanceMinorUnits, w.Status).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrWalletExists
		}
		return err
	}
	w.Version = 1
	return nil
}

// FindWalletByID retrieves a wallet snapshot.
func (r *PostgresRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	var w domain.Wallet
	query := `
		SELECT id, owner_id, currency, balance_minor_units, status, version, created_at, updated_at
		FROM wallets
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, walletID).Scan(
		&w.ID, &w.OwnerID, &w.Currency, &w.BalanceMinorUnits, &w.Status, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// ListMovements returns the wallet's ledger, oldest first.
func (r *PostgresRepository) ListMovements(ctx context.Context, walletID uuid.UUID) ([]domain.Movement, error) {
	query := `
		SELECT id, wallet_id, transfer_id, direction, amount_minor_units, balance_after_minor_units, idempotency_key, occurred_at
		FROM movements
		WHERE wallet_id = $1
		ORDER BY occurred_at, id
	`
	rows, err := r.db.Query(ctx, query, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []domain.Movement
	for rows.Next() {
		var m domain.Movement
		if err := rows.Scan(&m.ID, &m.WalletID, &m.TransferID, &m.Direction, &m.AmountMinorUnits, &m.BalanceAfterMinorUnits, &m.IdempotencyKey, &m.OccurredAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// FindCommandResult looks up the idempotency record for a key. Expired rows
// are treated as absent; the sweeper removes them eventually.
func (r *PostgresRepository) FindCommandResult(ctx context.Context, idempotencyKey string) (*domain.CommandResult, error) {
	var res domain.CommandResult
	query := `
		SELECT idempotency_key, wallet_id, transfer_id, outcome, movement_id, failure_reason, expires_at
		FROM wallet_command_results
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`
	err := r.db.QueryRow(ctx, query, idempotencyKey).Scan(
		&res.IdempotencyKey, &res.WalletID, &res.TransferID, &res.Outcome, &res.MovementID, &res.FailureReason, &res.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCommandResultNotFound
		}
		return nil, err
	}
	return &res, nil
}

// ApplyMovement applies one balance change with exactly-once semantics.
func (r *PostgresRepository) ApplyMovement(ctx context.Context, p ApplyMovementParams, announce func(domain.Movement) (outbox.Entry, error)) (*domain.Movement, error) {
	if p.AmountMinorUnits <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Idempotency check first: a movement with this key means the command was
	// already applied, so return the prior result without touching the balance.
	existing, err := findMovementByKey(ctx, tx, p.WalletID, p.IdempotencyKey)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var w domain.Wallet
	err = tx.QueryRow(ctx,
		`SELECT id, balance_minor_units, status, version FROM wallets WHERE id = $1`,
		p.WalletID,
	).Scan(&w.ID, &w.BalanceMinorUnits, &w.Status, &w.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if w.Status != domain.WalletStatusActive {
		return nil, ErrWalletInactive
	}

	var balanceAfter int64
	switch p.Direction {
	case domain.DirectionDebit:
		if w.BalanceMinorUnits < p.AmountMinorUnits {
			return nil, ErrInsufficientFunds
		}
		balanceAfter = w.BalanceMinorUnits - p.AmountMinorUnits
	case domain.DirectionCredit:
		balanceAfter = w.BalanceMinorUnits + p.AmountMinorUnits
	default:
		return nil, fmt.Errorf("unknown movement direction %q", p.Direction)
	}

	movement := domain.Movement{
		ID:                     p.MovementID,
		WalletID:               p.WalletID,
		TransferID:             p.TransferID,
		Direction:              p.Direction,
		AmountMinorUnits:       p.AmountMinorUnits,
		BalanceAfterMinorUnits: balanceAfter,
		IdempotencyKey:         p.IdempotencyKey,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO movements (id, wallet_id, transfer_id, direction, amount_minor_units, balance_after_minor_units, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING occurred_at
	`, movement.ID, movement.WalletID, movement.TransferID, movement.Direction, movement.AmountMinorUnits, movement.BalanceAfterMinorUnits, movement.IdempotencyKey).
		Scan(&movement.OccurredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// A concurrent delivery of the same command won the race. Surface
			// it as a version conflict so the caller re-reads and sees the
			// idempotent result.
			return nil, ErrVersionConflict
		}
		return nil, err
	}

	// Optimistic concurrency: the balance write only lands if nobody else
	// mutated the wallet since we read it.
	tag, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance_minor_units = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, balanceAfter, p.WalletID, w.Version)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}

	if err := upsertCommandResult(ctx, tx, domain.CommandResult{
		IdempotencyKey: p.IdempotencyKey,
		WalletID:       p.WalletID,
		TransferID:     p.TransferID,
		Outcome:        domain.OutcomeSucceeded,
		MovementID:     &movement.ID,
	}, p.ResultTTL); err != nil {
		return nil, err
	}

	if announce != nil {
		entry, err := announce(movement)
		if err != nil {
			return nil, fmt.Errorf("build outbox entry: %w", err)
		}
		if err := outbox.Enqueue(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &movement, nil
}

// RecordCommandFailure stores a failed outcome and its result event together.
func (r *PostgresRepository) RecordCommandFailure(ctx context.Context, p CommandFailureParams, entry outbox.Entry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	reason := p.FailureReason
	if err := upsertCommandResult(ctx, tx, domain.CommandResult{
		IdempotencyKey: p.IdempotencyKey,
		WalletID:       p.WalletID,
		TransferID:     p.TransferID,
		Outcome:        domain.OutcomeFailed,
		FailureReason:  &reason,
	}, p.ResultTTL); err != nil {
		return err
	}

	if err := outbox.Enqueue(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteExpiredCommandResults prunes idempotency records past retention.
func (r *PostgresRepository) DeleteExpiredCommandResults(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM wallet_command_results WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func findMovementByKey(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, key string) (*domain.Movement, error) {
	var m domain.Movement
	err := tx.QueryRow(ctx, `
		SELECT id, wallet_id, transfer_id, direction, amount_minor_units, balance_after_minor_units, idempotency_key, occurred_at
		FROM movements
		WHERE wallet_id = $1 AND idempotency_key = $2
	`, walletID, key).Scan(&m.ID, &m.WalletID, &m.TransferID, &m.Direction, &m.AmountMinorUnits, &m.BalanceAfterMinorUnits, &m.IdempotencyKey, &m.OccurredAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func upsertCommandResult(ctx context.Context, tx pgx.Tx, res domain.CommandResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_command_results (idempotency_key, wallet_id, transfer_id, outcome, movement_id, failure_reason, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW() + $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, res.IdempotencyKey, res.WalletID, res.TransferID, res.Outcome, res.MovementID, res.FailureReason, ttl)
	return err
}
