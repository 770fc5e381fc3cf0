package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/messaging"
	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/wallet/domain"
	"github.com/Brankond/Momentum/internal/wallet/store"
)

type commandRepoStub struct {
	store.Repository

	priorResult *domain.CommandResult

	applyCalls     int
	applyErrs      []error
	appliedParams  store.ApplyMovementParams
	announcedEntry outbox.Entry

	failureCalled bool
	failureParams store.CommandFailureParams
	failureEntry  outbox.Entry
}

func (s *commandRepoStub) FindCommandResult(ctx context.Context, idempotencyKey string) (*domain.CommandResult, error) {
	if s.priorResult != nil {
		return s.priorResult, nil
	}
	return nil, store.ErrCommandResultNotFound
}

func (s *commandRepoStub) ApplyMovement(ctx context.Context, p store.ApplyMovementParams, announce func(domain.Movement) (outbox.Entry, error)) (*domain.Movement, error) {
	call := s.applyCalls
	s.applyCalls++
	s.appliedParams = p
	if call < len(s.applyErrs) && s.applyErrs[call] != nil {
		return nil, s.applyErrs[call]
	}

	movement := domain.Movement{
		ID:                     p.MovementID,
		WalletID:               p.WalletID,
		TransferID:             p.TransferID,
		Direction:              p.Direction,
		AmountMinorUnits:       p.AmountMinorUnits,
		BalanceAfterMinorUnits: 5000,
		IdempotencyKey:         p.IdempotencyKey,
		OccurredAt:             time.Now().UTC(),
	}
	if announce != nil {
		entry, err := announce(movement)
		if err != nil {
			return nil, err
		}
		s.announcedEntry = entry
	}
	return &movement, nil
}

func (s *commandRepoStub) RecordCommandFailure(ctx context.Context, p store.CommandFailureParams, entry outbox.Entry) error {
	s.failureCalled = true
	s.failureParams = p
	s.failureEntry = entry
	return nil
}

func debitEnvelope(t *testing.T, cmd messaging.WalletCommandPayload) messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(messaging.TypeWalletDebitCommand, uuid.New(), uuid.New(), cmd)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func testCommand(transferID uuid.UUID) messaging.WalletCommandPayload {
	return messaging.WalletCommandPayload{
		CommandID:        uuid.New(),
		TransferID:       transferID,
		WalletID:         uuid.New(),
		Direction:        messaging.DirectionDebit,
		AmountMinorUnits: 2500,
		Currency:         "USD",
		IdempotencyKey:   transferID.String() + ":debit",
	}
}

func TestHandleCommand_AppliesMovementAndAnnouncesResult(t *testing.T) {
	repo := &commandRepoStub{}
	service := NewService(repo, time.Hour, 3)

	cmd := testCommand(uuid.New())
	env := debitEnvelope(t, cmd)

	if err := service.HandleCommand(context.Background(), env); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.applyCalls != 1 {
		t.Fatalf("expected one apply call, got %d", repo.applyCalls)
	}
	if repo.appliedParams.IdempotencyKey != cmd.IdempotencyKey {
		t.Fatalf("expected idempotency key %q, got %q", cmd.IdempotencyKey, repo.appliedParams.IdempotencyKey)
	}
	if repo.announcedEntry.Exchange != messaging.WalletEventExchange {
		t.Fatalf("expected result on wallet event exchange, got %q", repo.announcedEntry.Exchange)
	}

	var resultEnv messaging.Envelope
	if err := json.Unmarshal(repo.announcedEntry.Payload, &resultEnv); err != nil {
		t.Fatalf("decode result envelope: %v", err)
	}
	if resultEnv.MessageType != messaging.TypeWalletResult {
		t.Fatalf("expected wallet.result message type, got %q", resultEnv.MessageType)
	}
	if resultEnv.CorrelationID != env.CorrelationID {
		t.Fatal("expected result to carry the command's correlation id")
	}
	var result messaging.WalletResultPayload
	if err := resultEnv.Decode(&result); err != nil {
		t.Fatalf("decode result payload: %v", err)
	}
	if result.Status != messaging.ResultSucceeded {
		t.Fatalf("expected succeeded result, got %q", result.Status)
	}
	if result.RunningBalanceMinorUnits == nil || *result.RunningBalanceMinorUnits != 5000 {
		t.Fatal("expected running balance on succeeded result")
	}
}

func TestHandleCommand_DuplicateIsAcknowledgedWithoutReapply(t *testing.T) {
	transferID := uuid.New()
	repo := &commandRepoStub{
		priorResult: &domain.CommandResult{
			IdempotencyKey: transferID.String() + ":debit",
			Outcome:        domain.OutcomeSucceeded,
		},
	}
	service := NewService(repo, time.Hour, 3)

	env := debitEnvelope(t, testCommand(transferID))
	if err := service.HandleCommand(context.Background(), env); err != nil {
		t.Fatalf("expected nil error for duplicate, got %v", err)
	}
	if repo.applyCalls != 0 {
		t.Fatal("did not expect a movement for duplicate command")
	}
}

func TestHandleCommand_RetriesVersionConflict(t *testing.T) {
	repo := &commandRepoStub{
		applyErrs: []error{store.ErrVersionConflict, store.ErrVersionConflict},
	}
	service := NewService(repo, time.Hour, 3)

	env := debitEnvelope(t, testCommand(uuid.New()))
	if err := service.HandleCommand(context.Background(), env); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if repo.applyCalls != 3 {
		t.Fatalf("expected three apply attempts, got %d", repo.applyCalls)
	}
}

func TestHandleCommand_ExhaustedConflictRetriesRequeues(t *testing.T) {
	repo := &commandRepoStub{
		applyErrs: []error{store.ErrVersionConflict, store.ErrVersionConflict, store.ErrVersionConflict},
	}
	service := NewService(repo, time.Hour, 3)

	env := debitEnvelope(t, testCommand(uuid.New()))
	err := service.HandleCommand(context.Background(), env)
	if err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected wrapped version conflict, got %v", err)
	}
}

func TestHandleCommand_InsufficientFundsRecordsFailedResult(t *testing.T) {
	repo := &commandRepoStub{
		applyErrs: []error{store.ErrInsufficientFunds},
	}
	service := NewService(repo, time.Hour, 3)

	env := debitEnvelope(t, testCommand(uuid.New()))
	if err := service.HandleCommand(context.Background(), env); err != nil {
		t.Fatalf("terminal failure should acknowledge, got %v", err)
	}
	if !repo.failureCalled {
		t.Fatal("expected failed outcome to be recorded")
	}
	if repo.failureParams.FailureReason != messaging.FailureInsufficientFunds {
		t.Fatalf("expected insufficient_funds reason, got %q", repo.failureParams.FailureReason)
	}

	var resultEnv messaging.Envelope
	if err := json.Unmarshal(repo.failureEntry.Payload, &resultEnv); err != nil {
		t.Fatalf("decode failed-result envelope: %v", err)
	}
	var result messaging.WalletResultPayload
	if err := resultEnv.Decode(&result); err != nil {
		t.Fatalf("decode failed-result payload: %v", err)
	}
	if result.Status != messaging.ResultFailed {
		t.Fatalf("expected failed result, got %q", result.Status)
	}
	if result.FailureReason != messaging.FailureInsufficientFunds {
		t.Fatalf("expected insufficient_funds on result, got %q", result.FailureReason)
	}
}

func TestHandleCommand_CompensateReportsCompensateDirection(t *testing.T) {
	repo := &commandRepoStub{}
	service := NewService(repo, time.Hour, 3)

	transferID := uuid.New()
	cmd := testCommand(transferID)
	cmd.Direction = messaging.DirectionCompensateDebit
	cmd.IdempotencyKey = transferID.String() + ":compensate_debit"
	env, err := messaging.NewEnvelope(messaging.TypeWalletCompensateDebitCommand, uuid.New(), uuid.New(), cmd)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	if err := service.HandleCommand(context.Background(), env); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	// Ledger applies a credit, the reported direction stays compensate.
	if repo.appliedParams.Direction != domain.DirectionCredit {
		t.Fatalf("expected credit at ledger level, got %q", repo.appliedParams.Direction)
	}

	var resultEnv messaging.Envelope
	if err := json.Unmarshal(repo.announcedEntry.Payload, &resultEnv); err != nil {
		t.Fatalf("decode result envelope: %v", err)
	}
	var result messaging.WalletResultPayload
	if err := resultEnv.Decode(&result); err != nil {
		t.Fatalf("decode result payload: %v", err)
	}
	if result.Direction != messaging.DirectionCompensateDebit {
		t.Fatalf("expected compensate_debit direction on result, got %q", result.Direction)
	}
}

func TestHandleCommand_UnknownTypeIsRejected(t *testing.T) {
	repo := &commandRepoStub{}
	service := NewService(repo, time.Hour, 3)

	env, err := messaging.NewEnvelope("wallet.command.unknown", uuid.New(), uuid.New(), testCommand(uuid.New()))
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	handleErr := service.HandleCommand(context.Background(), env)
	if !errors.Is(handleErr, ErrUnknownCommandType) {
		t.Fatalf("expected ErrUnknownCommandType, got %v", handleErr)
	}
}

func TestCredit_ExternalMovementSkipsResultEvent(t *testing.T) {
	repo := &commandRepoStub{}
	service := NewService(repo, time.Hour, 3)
	walletID := uuid.New()

	movement, err := service.Credit(context.Background(), walletID, domain.WalletTransactionRequest{
		AmountMinorUnits: 1500,
		Reference:        "topup-2026-001",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if movement.Direction != domain.DirectionCredit {
		t.Fatalf("expected credit movement, got %q", movement.Direction)
	}
	if repo.appliedParams.IdempotencyKey != "external:topup-2026-001" {
		t.Fatalf("expected prefixed reference key, got %q", repo.appliedParams.IdempotencyKey)
	}
	if repo.appliedParams.TransferID != uuid.Nil {
		t.Fatalf("external movement must not carry a transfer id, got %s", repo.appliedParams.TransferID)
	}
	if repo.announcedEntry.Exchange != "" {
		t.Fatalf("external movement must not announce a result event, got entry on %q", repo.announcedEntry.Exchange)
	}
}

func TestDebit_ExternalMovementRequiresReference(t *testing.T) {
	repo := &commandRepoStub{}
	service := NewService(repo, time.Hour, 3)

	_, err := service.Debit(context.Background(), uuid.New(), domain.WalletTransactionRequest{
		AmountMinorUnits: 500,
		Reference:        "   ",
	})
	if !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
	if repo.applyCalls != 0 {
		t.Fatalf("expected no ledger call, got %d", repo.applyCalls)
	}
}

func TestDebit_ExternalMovementRetriesVersionConflict(t *testing.T) {
	repo := &commandRepoStub{applyErrs: []error{store.ErrVersionConflict, nil}}
	service := NewService(repo, time.Hour, 3)

	if _, err := service.Debit(context.Background(), uuid.New(), domain.WalletTransactionRequest{
		AmountMinorUnits: 500,
		Reference:        "withdrawal-77",
	}); err != nil {
		t.Fatalf("expected nil error after retry, got %v", err)
	}
	if repo.applyCalls != 2 {
		t.Fatalf("expected two apply calls, got %d", repo.applyCalls)
	}
}
