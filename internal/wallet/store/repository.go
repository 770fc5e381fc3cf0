/**
 * @description
 * This file defines the `Repository` interface for the wallet-service's data
 * access. The interface keeps the command handlers testable against stubs and
 * independent of the PostgreSQL implementation.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/wallet/domain"
)

// ApplyMovementParams describes one balance change to apply atomically.
type ApplyMovementParams struct {
	MovementID       uuid.UUID
	WalletID         uuid.UUID
	TransferID       uuid.UUID
	Direction        string
	AmountMinorUnits int64
	IdempotencyKey   string
	ResultTTL        time.Duration
}

// CommandFailureParams records a terminal command failure (insufficient
// funds, unknown wallet) together with the outbox entry announcing it.
type CommandFailureParams struct {
	IdempotencyKey string
	WalletID       uuid.UUID
	TransferID     uuid.UUID
	FailureReason  string
	ResultTTL      time.Duration
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	ListMovements(ctx context.Context, walletID uuid.UUID) ([]domain.Movement, error)

	// FindCommandResult returns the recorded outcome for an idempotency key,
	// or ErrCommandResultNotFound if the key has not been handled (or its
	// retention window elapsed).
	FindCommandResult(ctx context.Context, idempotencyKey string) (*domain.CommandResult, error)

	// ApplyMovement commits the movement row, the balance change, the
	// idempotency record, and the announcing outbox entry as one atomic unit.
	// announce receives the applied movement and returns the entry to
	// enqueue; a nil announce applies the movement without publishing
	// anything (the HTTP top-up/withdrawal path). If a movement with the
	// same idempotency key already exists for the wallet, the prior movement
	// is returned and nothing is re-applied.
	ApplyMovement(ctx context.Context, p ApplyMovementParams, announce func(domain.Movement) (outbox.Entry, error)) (*domain.Movement, error)

	// RecordCommandFailure persists a failed outcome and its outbox entry in
	// one transaction.
	RecordCommandFailure(ctx context.Context, p CommandFailureParams, entry outbox.Entry) error

	// DeleteExpiredCommandResults removes idempotency records past their
	// retention window.
	DeleteExpiredCommandResults(ctx context.Context) (int64, error)
}
