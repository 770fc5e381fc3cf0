/**
 * @description
 * Domain models for the transfer-service: the Transfer saga instance, its
 * ordered step history, the durable command log driving retries, and the
 * idempotency record guarding client submissions.
 *
 * @notes
 * - A transfer is a message-driven continuation: all state lives in these
 *   rows, never in memory, so any instance can resume any saga after a crash.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Saga statuses. The happy path walks created → debit_pending →
// credit_pending → completed; failure branches end in aborted or compensated.
const (
	StatusCreated       = "created"
	StatusDebitPending  = "debit_pending"
	StatusCreditPending = "credit_pending"
	StatusCompleted     = "completed"
	StatusAborted       = "aborted"
	StatusCompensating  = "compensating"
	StatusCompensated   = "compensated"
)

// Stages a transfer can fail at.
const (
	FailureStageDebit      = "debit"
	FailureStageCredit     = "credit"
	FailureStageCompensate = "compensate"
)

// Command types sent to the wallet-service.
const (
	CommandDebit           = "debit"
	CommandCredit          = "credit"
	CommandCompensateDebit = "compensate_debit"
)

// Command statuses in the durable command log.
const (
	CommandPending = "pending"
	CommandSent    = "sent"
	CommandAcked   = "acked"
	CommandFailed  = "failed"
)

// ReasonTimeout marks transfers failed by the step-timeout sweeper.
const ReasonTimeout = "timeout"

// IsTerminal reports whether a saga status accepts no further events.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusAborted || status == StatusCompensated
}

// Transfer is one saga instance. Only the orchestrator mutates it; rows are
// retained indefinitely for audit.
type Transfer struct {
	ID                  uuid.UUID  `json:"id"`
	SourceWalletID      uuid.UUID  `json:"source_wallet_id"`
	DestinationWalletID uuid.UUID  `json:"destination_wallet_id"`
	AmountMinorUnits    int64      `json:"amount_minor_units"`
	Currency            string     `json:"currency"`
	Status              string     `json:"status"`
	FailureStage        *string    `json:"failure_stage,omitempty"`
	FailureReason       *string    `json:"failure_reason,omitempty"`
	ClientRequestID     string     `json:"client_request_id"`
	CorrelationID       uuid.UUID  `json:"correlation_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Step is one entry of a transfer's ordered state-transition history.
// EventID is the message id of the event that caused the transition, which
// makes the step log the source of truth for "already handled".
type Step struct {
	ID         uuid.UUID `json:"id"`
	TransferID uuid.UUID `json:"transfer_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	EventID    uuid.UUID `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Command is one row of the durable command log. The orchestrator re-issues
// a sent-but-unconfirmed command with the same id and idempotency key, so
// retries can never double-apply.
type Command struct {
	ID               uuid.UUID  `json:"id"`
	TransferID       uuid.UUID  `json:"transfer_id"`
	Type             string     `json:"type"`
	WalletID         uuid.UUID  `json:"wallet_id"`
	AmountMinorUnits int64      `json:"amount_minor_units"`
	Status           string     `json:"status"`
	RetryCount       int        `json:"retry_count"`
	LastError        *string    `json:"last_error,omitempty"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// IdempotencyKey returns the wallet-command idempotency key for a command:
// the transfer id plus the step name.
func (c Command) IdempotencyKey() string {
	return c.TransferID.String() + ":" + c.Type
}

// IdempotencyRecord guards duplicate client submissions. Same key + same
// request hash replays the original transfer; same key + different hash is
// rejected as a conflict.
type IdempotencyRecord struct {
	ClientRequestID string    `json:"client_request_id"`
	TransferID      uuid.UUID `json:"transfer_id"`
	RequestHash     string    `json:"request_hash"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// TransferRequest is the DTO for incoming transfer submissions.
type TransferRequest struct {
	SourceWalletID      uuid.UUID `json:"source_wallet_id"`
	DestinationWalletID uuid.UUID `json:"destination_wallet_id"`
	AmountMinorUnits    int64     `json:"amount_minor_units"`
	Currency            string    `json:"currency"`
	ClientRequestID     string    `json:"client_request_id"`
}
