/**
 * @description
 * Domain models for the wallet-service: the Wallet aggregate, its immutable
 * Movement ledger entries, and the CommandResult idempotency record.
 *
 * @notes
 * - All amounts are int64 minor units (cents). Floating point never touches
 *   money in this codebase.
 * - A wallet's balance is always reconstructible as the sum of its movements;
 *   `BalanceAfterMinorUnits` on each movement makes the audit trail readable
 *   without replaying.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wallet statuses.
const (
	WalletStatusActive = "active"
	WalletStatusFrozen = "frozen"
)

// Movement directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Command outcomes recorded for idempotency.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Wallet is the balance-bearing aggregate. Only the wallet-service mutates
// it, and every mutation bumps Version for optimistic concurrency.
type Wallet struct {
	ID                uuid.UUID `json:"id"`
	OwnerID           uuid.UUID `json:"owner_id"`
	Currency          string    `json:"currency"`
	BalanceMinorUnits int64     `json:"balance_minor_units"`
	Status            string    `json:"status"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Movement is one immutable ledger entry. Once written it is never updated
// or deleted; (WalletID, IdempotencyKey) is unique, which is what makes
// command handling exactly-once under at-least-once delivery.
type Movement struct {
	ID                     uuid.UUID `json:"id"`
	WalletID               uuid.UUID `json:"wallet_id"`
	TransferID             uuid.UUID `json:"transfer_id"`
	Direction              string    `json:"direction"`
	AmountMinorUnits       int64     `json:"amount_minor_units"`
	BalanceAfterMinorUnits int64     `json:"balance_after_minor_units"`
	IdempotencyKey         string    `json:"idempotency_key"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// CommandResult maps a command idempotency key to its outcome so redelivered
// commands are answered without re-applying. Rows live until ExpiresAt.
type CommandResult struct {
	IdempotencyKey string     `json:"idempotency_key"`
	WalletID       uuid.UUID  `json:"wallet_id"`
	TransferID     uuid.UUID  `json:"transfer_id"`
	Outcome        string     `json:"outcome"`
	MovementID     *uuid.UUID `json:"movement_id,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// CreateWalletRequest is the DTO for wallet provisioning.
type CreateWalletRequest struct {
	OwnerID                  uuid.UUID `json:"owner_id"`
	Currency                 string    `json:"currency"`
	OpeningBalanceMinorUnits int64     `json:"opening_balance_minor_units"`
}

// WalletTransactionRequest is the DTO for external top-ups and withdrawals.
// Reference is the caller's idempotency handle: repeating a reference replays
// the recorded movement instead of applying a second one.
type WalletTransactionRequest struct {
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Reference        string `json:"reference"`
}
