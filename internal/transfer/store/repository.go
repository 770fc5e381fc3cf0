/**
 * @description
 * This file defines the `Repository` interface for the transfer-service.
 * Every saga transition is one repository call committing the transfer
 * update, the step-history row, the command-log update, and the outbox
 * entries as a single atomic unit.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/transfer/domain"
)

// CreateSagaParams is everything written when a transfer is accepted: the
// transfer row, its pre-created command log, the idempotency record, the
// opening step, and the outbox entry carrying the first debit command.
type CreateSagaParams struct {
	Transfer    domain.Transfer
	Commands    []domain.Command
	Idempotency domain.IdempotencyRecord
	OpeningStep domain.Step
	Entry       outbox.Entry
}

// AdvanceParams describes one state-machine transition. FromStatus guards
// the update: if the transfer is no longer in that state the transition is
// stale and ErrStaleTransition is returned without any writes.
type AdvanceParams struct {
	TransferID    uuid.UUID
	FromStatus    string
	ToStatus      string
	FailureStage  *string
	FailureReason *string
	Completed     bool
	Step          domain.Step

	// AckCommandID / FailCommandID update the causing command's log row.
	AckCommandID  *uuid.UUID
	FailCommandID *uuid.UUID
	CommandError  *string

	// SendCommandID marks an existing pending command sent; InsertCommand
	// adds a new command (compensation) already marked sent.
	SendCommandID *uuid.UUID
	InsertCommand *domain.Command

	Entries []outbox.Entry
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	CreateSaga(ctx context.Context, p CreateSagaParams) error
	Advance(ctx context.Context, p AdvanceParams) error

	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindCommandByID(ctx context.Context, commandID uuid.UUID) (*domain.Command, error)
	FindCommand(ctx context.Context, transferID uuid.UUID, commandType string) (*domain.Command, error)
	ListSteps(ctx context.Context, transferID uuid.UUID) ([]domain.Step, error)

	FindIdempotencyRecord(ctx context.Context, clientRequestID string) (*domain.IdempotencyRecord, error)

	// ListOverdueCommands returns sent commands whose confirmation has not
	// arrived within the step deadline, oldest first.
	ListOverdueCommands(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Command, error)

	// RequeueCommand bumps a command's retry count and sent_at and enqueues
	// the re-publish outbox entry in one transaction.
	RequeueCommand(ctx context.Context, commandID uuid.UUID, entry outbox.Entry) error
}
