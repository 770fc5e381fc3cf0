package messaging

import "github.com/google/uuid"

// Command directions accepted by the wallet-service. The compensate direction
// is a credit against the source wallet that reverses an earlier debit.
const (
	DirectionDebit           = "debit"
	DirectionCredit          = "credit"
	DirectionCompensateDebit = "compensate_debit"
)

// Result statuses reported back by the wallet-service.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// Failure codes carried on failed wallet results. The orchestrator treats all
// of them as terminal for the step; transient store errors never surface here
// because the wallet-service retries those locally.
const (
	FailureInsufficientFunds = "insufficient_funds"
	FailureWalletNotFound    = "wallet_not_found"
	FailureWalletInactive    = "wallet_inactive"
)

// WalletCommandPayload instructs the wallet-service to apply one movement.
// The idempotency key is "<transfer_id>:<step>", so redelivery of the same
// command can never double-apply a balance change.
type WalletCommandPayload struct {
	CommandID        uuid.UUID `json:"command_id"`
	TransferID       uuid.UUID `json:"transfer_id"`
	WalletID         uuid.UUID `json:"wallet_id"`
	Direction        string    `json:"direction"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	IdempotencyKey   string    `json:"idempotency_key"`
}

// WalletResultPayload reports the outcome of one wallet command.
type WalletResultPayload struct {
	CommandID                uuid.UUID  `json:"command_id"`
	TransferID               uuid.UUID  `json:"transfer_id"`
	WalletID                 uuid.UUID  `json:"wallet_id"`
	MovementID               *uuid.UUID `json:"movement_id,omitempty"`
	Direction                string     `json:"direction"`
	Status                   string     `json:"status"`
	AmountMinorUnits         int64      `json:"amount_minor_units"`
	RunningBalanceMinorUnits *int64     `json:"running_balance_minor_units,omitempty"`
	IdempotencyKey           string     `json:"idempotency_key"`
	FailureReason            string     `json:"failure_reason,omitempty"`
}

// TransferTerminalPayload is the only shape the notification dispatcher ever
// sees: the transfer, its terminal status, and an optional reason.
type TransferTerminalPayload struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
}

// CompensationStartedPayload announces that a transfer entered its
// compensation branch; funds are on their way back to the source wallet.
type CompensationStartedPayload struct {
	TransferID       uuid.UUID `json:"transfer_id"`
	SourceWalletID   uuid.UUID `json:"source_wallet_id"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Reason           string    `json:"reason,omitempty"`
}
