/**
 * @description
 * Core application service for the transfer-service: the saga orchestrator.
 * A transfer walks created → debit_pending → credit_pending → completed; a
 * failed debit aborts, a failed credit triggers compensation back to the
 * source wallet. Every transition is one guarded repository call committing
 * the status change, the step-history row, the command-log update, and the
 * outgoing messages atomically.
 *
 * @dependencies
 * - internal/transfer/store: repository contract and sentinel errors.
 * - internal/messaging: envelope and payload shapes.
 * - internal/outbox: entries enqueued inside the store transaction.
 *
 * @notes
 * - The orchestrator keeps no saga state in memory. Any instance can pick up
 *   any wallet result, so the service scales horizontally without handoff.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/messaging"
	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/transfer/domain"
	"github.com/Brankond/Momentum/internal/transfer/store"
)

var (
	// ErrRequestConflict is returned when a client request id is reused
	// with a different request body.
	ErrRequestConflict = errors.New("client request id reused with a different body")

	// ErrInvalidRequest wraps all submission validation failures.
	ErrInvalidRequest = errors.New("invalid transfer request")
)

// RateLimitedError is returned when a source wallet exceeds its submission
// budget. RetryAfterSeconds feeds the Retry-After response header.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transfer submissions rate limited, retry after %ds", e.RetryAfterSeconds)
}

// LimitDecision is the outcome of counting one submission against a source
// wallet's budget. RetryAfterSeconds is only meaningful when Allowed is false.
type LimitDecision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// SubmitRateLimiter is the distributed limiter contract.
type SubmitRateLimiter interface {
	ConsumeSubmitSlot(ctx context.Context, sourceWalletID uuid.UUID) (LimitDecision, error)
}

const transferAggregate = "transfer"

// SagaService drives transfer sagas from submission to a terminal state.
type SagaService struct {
	repo           store.Repository
	idempotencyTTL time.Duration
	commandTimeout time.Duration
	retryBudget    int
	sweepBatchSize int

	rateLimiter SubmitRateLimiter
}

// SetSubmitRateLimiter enables per-source-wallet submission limiting. Called
// from main only when Redis is reachable; a nil limiter leaves it off.
func (s *SagaService) SetSubmitRateLimiter(limiter SubmitRateLimiter) {
	s.rateLimiter = limiter
}

// NewSagaService creates the transfer application service. commandTimeout is
// the per-step confirmation deadline; retryBudget bounds re-publishes of an
// unconfirmed command before the failure branch is forced.
func NewSagaService(repo store.Repository, idempotencyTTL, commandTimeout time.Duration, retryBudget, sweepBatchSize int) *SagaService {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	if retryBudget <= 0 {
		retryBudget = 3
	}
	if sweepBatchSize <= 0 {
		sweepBatchSize = 100
	}
	return &SagaService{
		repo:           repo,
		idempotencyTTL: idempotencyTTL,
		commandTimeout: commandTimeout,
		retryBudget:    retryBudget,
		sweepBatchSize: sweepBatchSize,
	}
}

// Initiate accepts a transfer submission. The returned bool reports whether
// the response replays an earlier submission with the same client request id.
func (s *SagaService) Initiate(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, bool, error) {
	if err := validateRequest(req); err != nil {
		return nil, false, err
	}

	if s.rateLimiter != nil {
		decision, err := s.rateLimiter.ConsumeSubmitSlot(ctx, req.SourceWalletID)
		if err != nil {
			// Limiter outages never block the money path.
			log.Printf("level=warn component=transfer_service msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if !decision.Allowed {
			return nil, false, &RateLimitedError{RetryAfterSeconds: decision.RetryAfterSeconds}
		}
	}

	hash := requestHash(req)

	// Replay check before any write: same key + same body returns the
	// original transfer, same key + different body is a hard conflict.
	if rec, err := s.repo.FindIdempotencyRecord(ctx, req.ClientRequestID); err == nil {
		return s.reconcile(ctx, rec, hash)
	} else if !errors.Is(err, store.ErrIdempotencyNotFound) {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	transfer := domain.Transfer{
		ID:                  uuid.New(),
		SourceWalletID:      req.SourceWalletID,
		DestinationWalletID: req.DestinationWalletID,
		AmountMinorUnits:    req.AmountMinorUnits,
		Currency:            strings.ToUpper(req.Currency),
		Status:              domain.StatusDebitPending,
		ClientRequestID:     req.ClientRequestID,
		CorrelationID:       uuid.New(),
	}

	debit := domain.Command{
		ID:               uuid.New(),
		TransferID:       transfer.ID,
		Type:             domain.CommandDebit,
		WalletID:         transfer.SourceWalletID,
		AmountMinorUnits: transfer.AmountMinorUnits,
		Status:           domain.CommandSent,
		SentAt:           timePtr(time.Now().UTC()),
	}
	credit := domain.Command{
		ID:               uuid.New(),
		TransferID:       transfer.ID,
		Type:             domain.CommandCredit,
		WalletID:         transfer.DestinationWalletID,
		AmountMinorUnits: transfer.AmountMinorUnits,
		Status:           domain.CommandPending,
	}

	entry, err := s.commandEntry(&transfer, debit, transfer.ID)
	if err != nil {
		return nil, false, err
	}

	err = s.repo.CreateSaga(ctx, store.CreateSagaParams{
		Transfer: transfer,
		Commands: []domain.Command{debit, credit},
		Idempotency: domain.IdempotencyRecord{
			ClientRequestID: req.ClientRequestID,
			TransferID:      transfer.ID,
			RequestHash:     hash,
			ExpiresAt:       time.Now().UTC().Add(s.idempotencyTTL),
		},
		OpeningStep: domain.Step{
			ID:         uuid.New(),
			TransferID: transfer.ID,
			FromStatus: domain.StatusCreated,
			ToStatus:   domain.StatusDebitPending,
			EventID:    transfer.ID,
		},
		Entry: entry,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// Lost the race against a concurrent submission with the same
			// key; reconcile against whatever won.
			rec, lookupErr := s.repo.FindIdempotencyRecord(ctx, req.ClientRequestID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotency lookup after duplicate request: %w", lookupErr)
			}
			return s.reconcile(ctx, rec, hash)
		}
		return nil, false, fmt.Errorf("create saga: %w", err)
	}

	log.Printf("level=info component=transfer_service msg=\"transfer accepted\" transfer_id=%s source=%s destination=%s amount=%d",
		transfer.ID, transfer.SourceWalletID, transfer.DestinationWalletID, transfer.AmountMinorUnits)
	return &transfer, false, nil
}

func (s *SagaService) reconcile(ctx context.Context, rec *domain.IdempotencyRecord, hash string) (*domain.Transfer, bool, error) {
	if rec.RequestHash != hash {
		return nil, false, ErrRequestConflict
	}
	t, err := s.repo.FindTransferByID(ctx, rec.TransferID)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// GetTransfer returns a transfer with its ordered step history.
func (s *SagaService) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, []domain.Step, error) {
	t, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.repo.ListSteps(ctx, transferID)
	if err != nil {
		return nil, nil, err
	}
	return t, steps, nil
}

// HandleWalletResult applies one wallet result to the saga state machine.
// A nil return means the message can be acknowledged; duplicates and
// out-of-order results are logged and acknowledged without re-processing.
func (s *SagaService) HandleWalletResult(ctx context.Context, env messaging.Envelope) error {
	var res messaging.WalletResultPayload
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode wallet result: %w", err)
	}

	transfer, err := s.repo.FindTransferByID(ctx, res.TransferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			log.Printf("level=warn component=transfer_service msg=\"result for unknown transfer; dropping\" transfer_id=%s", res.TransferID)
			return nil
		}
		return fmt.Errorf("load transfer: %w", err)
	}
	if domain.IsTerminal(transfer.Status) {
		log.Printf("level=info component=transfer_service msg=\"result for terminal transfer ignored\" transfer_id=%s status=%s", transfer.ID, transfer.Status)
		return nil
	}

	switch {
	case res.Direction == messaging.DirectionDebit && res.Status == messaging.ResultSucceeded:
		err = s.onDebitSucceeded(ctx, transfer, env, res)
	case res.Direction == messaging.DirectionDebit && res.Status == messaging.ResultFailed:
		err = s.onDebitFailed(ctx, transfer, env, res)
	case res.Direction == messaging.DirectionCredit && res.Status == messaging.ResultSucceeded:
		err = s.onCreditSucceeded(ctx, transfer, env, res)
	case res.Direction == messaging.DirectionCredit && res.Status == messaging.ResultFailed:
		err = s.onCreditFailed(ctx, transfer, env, res)
	case res.Direction == messaging.DirectionCompensateDebit && res.Status == messaging.ResultSucceeded:
		err = s.onCompensateSucceeded(ctx, transfer, env, res)
	case res.Direction == messaging.DirectionCompensateDebit && res.Status == messaging.ResultFailed:
		err = s.onCompensateFailed(ctx, transfer, env, res)
	default:
		log.Printf("level=warn component=transfer_service msg=\"unrecognized wallet result; dropping\" direction=%s status=%s", res.Direction, res.Status)
		return nil
	}

	if errors.Is(err, store.ErrStaleTransition) {
		log.Printf("level=info component=transfer_service msg=\"stale saga transition ignored\" transfer_id=%s status=%s event_id=%s",
			transfer.ID, transfer.Status, env.MessageID)
		return nil
	}
	return err
}

func (s *SagaService) onDebitSucceeded(ctx context.Context, t *domain.Transfer, env messaging.Envelope, res messaging.WalletResultPayload) error {
	credit, err := s.repo.FindCommand(ctx, t.ID, domain.CommandCredit)
	if err != nil {
		return fmt.Errorf("load credit command: %w", err)
	}
	entry, err := s.commandEntry(t, *credit, env.MessageID)
	if err != nil {
		return err
	}

	err = s.repo.Advance(ctx, store.AdvanceParams{
		TransferID:    t.ID,
		FromStatus:    domain.StatusDebitPending,
		ToStatus:      domain.StatusCreditPending,
		Step:          step(t.ID, domain.StatusDebitPending, domain.StatusCreditPending, env.MessageID),
		AckCommandID:  &res.CommandID,
		SendCommandID: &credit.ID,
		Entries:       []outbox.Entry{entry},
	})
	if err == nil {
		log.Printf("level=info component=transfer_service msg=\"debit confirmed, credit dispatched\" transfer_id=%s", t.ID)
	}
	return err
}

func (s *SagaService) onDebitFailed(ctx context.Context, t *domain.Transfer, env messaging.Envelope, res messaging.WalletResultPayload) error {
	entry, err := s.terminalEntry(t, messaging.TypeTransferAborted, domain.StatusAborted, res.FailureReason, env.MessageID)
	if err != nil {
		return err
	}

	err = s.repo.Advance(ctx, store.AdvanceParams{
		TransferID:    t.ID,
		FromStatus:    domain.StatusDebitPending,
		ToStatus:      domain.StatusAborted,
		FailureStage:  strPtr(domain.FailureStageDebit),
		FailureReason: strPtr(res.FailureReason),
		Completed:     true,
		Step:          step(t.ID, domain.StatusDebitPending, domain.StatusAborted, env.MessageID),
		FailCommandID: &res.CommandID,
		CommandError:  strPtr(res.FailureReason),
		Entries:       []outbox.Entry{entry},
	})
	if err == nil {
		log.Printf("level=warn component=transfer_service msg=\"transfer aborted at debit\" transfer_id=%s reason=%s", t.ID, res.FailureReason)
	}
	return err
}

func (s *SagaService) onCreditSucceeded(ctx context.Context, t *domain.Transfer, env messaging.Envelope, res messaging.WalletResultPayload) error {
	entry, err := s.terminalEntry(t, messaging.TypeTransferCompleted, domain.StatusCompleted, "", env.MessageID)
	if err != nil {
		return err
	}

	err = s.repo.Advance(ctx, store.AdvanceParams{
		TransferID:   t.ID,
		FromStatus:   domain.StatusCreditPending,
		ToStatus:     domain.StatusCompleted,
		Completed:    true,
		Step:         step(t.ID, domain.StatusCreditPending, domain.StatusCompleted, env.MessageID),
		AckCommandID: &res.CommandID,
		Entries:      []outbox.Entry{entry},
	})
	if err == nil {
		log.Printf("level=info component=transfer_service msg=\"transfer completed\" transfer_id=%s amount=%d", t.ID, t.AmountMinorUnits)
	}
	return err
}

func (s *SagaService) onCreditFailed(ctx context.Context, t *domain.Transfer, env messaging.Envelope, res messaging.WalletResultPayload) error {
	return s.startCompensation(ctx, t, env.MessageID, env.MessageID, res.FailureReason, &res.CommandID)
}

func (s *SagaService) onCompensateSucceeded(ctx context.Context, t *domain.Transfer, env messaging.Envelope, res messaging.WalletResultPayload) error {
	reason := ""
	if t.FailureReason != nil {
		reason = *t.FailureReason
	}
	entry, err := s.terminalEntry(t, messaging.TypeTransferCompensated, domain.StatusCompensated, reason, env.MessageID)
	if err != nil {
		return err
	}

	err = s.repo.Advance(ctx, store.AdvanceParams{
		TransferID:   t.ID,
		FromStatus:   domain.StatusCompensating,
		ToStatus:     domain.StatusCompensated,
		Completed:    true,
		Step:         step(t.ID, domain.StatusCompensating, domain.StatusCompensated, env.MessageID),
		AckCommandID: &res.CommandID,
		Entries:      []outbox.Entry{entry},
	})
	if err == nil {
		log.Printf("level=info component=transfer_service msg=\"transfer compensated, funds returned\" transfer_id=%s", t.ID)
	}
	return err
}

// onCompensateFailed handles a wallet-rejected compensation (frozen or
// missing source wallet). The saga ends aborted with the compensate stage
// recorded; the movement ledger still shows exactly where the funds are.
func (s *SagaService) onCompensateFailed(ctx context.Context, t *domain.Transfer, env messaging.Envelope, res messaging.WalletResultPayload) error {
	entry, err := s.terminalEntry(t, messaging.TypeTransferAborted, domain.StatusAborted, res.FailureReason, env.MessageID)
	if err != nil {
		return err
	}

	err = s.repo.Advance(ctx, store.AdvanceParams{
		TransferID:    t.ID,
		FromStatus:    domain.StatusCompensating,
		ToStatus:      domain.StatusAborted,
		FailureStage:  strPtr(domain.FailureStageCompensate),
		FailureReason: strPtr(res.FailureReason),
		Completed:     true,
		Step:          step(t.ID, domain.StatusCompensating, domain.StatusAborted, env.MessageID),
		FailCommandID: &res.CommandID,
		CommandError:  strPtr(res.FailureReason),
		Entries:       []outbox.Entry{entry},
	})
	if err == nil {
		log.Printf("level=error component=transfer_service msg=\"compensation rejected; transfer aborted\" transfer_id=%s reason=%s", t.ID, res.FailureReason)
	}
	return err
}

// startCompensation moves a transfer from credit_pending into its
// compensation branch: a new compensate_debit command re-credits the source
// wallet, and the compensation-started event goes out alongside it.
func (s *SagaService) startCompensation(ctx context.Context, t *domain.Transfer, eventID, causationID uuid.UUID, reason string, failCommandID *uuid.UUID) error {
	compensate := domain.Command{
		ID:               uuid.New(),
		TransferID:       t.ID,
		Type:             domain.CommandCompensateDebit,
		WalletID:         t.SourceWalletID,
		AmountMinorUnits: t.AmountMinorUnits,
	}
	cmdEntry, err := s.commandEntry(t, compensate, causationID)
	if err != nil {
		return err
	}

	startedEnv, err := messaging.NewEnvelope(messaging.TypeTransferCompensationStarted, t.CorrelationID, causationID, messaging.CompensationStartedPayload{
		TransferID:       t.ID,
		SourceWalletID:   t.SourceWalletID,
		AmountMinorUnits: t.AmountMinorUnits,
		Reason:           reason,
	})
	if err != nil {
		return err
	}
	startedEntry, err := outbox.NewEntry(transferAggregate, t.ID, messaging.TransferEventExchange, startedEnv)
	if err != nil {
		return err
	}

	params := store.AdvanceParams{
		TransferID:    t.ID,
		FromStatus:    domain.StatusCreditPending,
		ToStatus:      domain.StatusCompensating,
		FailureStage:  strPtr(domain.FailureStageCredit),
		FailureReason: strPtr(reason),
		Step:          step(t.ID, domain.StatusCreditPending, domain.StatusCompensating, eventID),
		FailCommandID: failCommandID,
		CommandError:  strPtr(reason),
		InsertCommand: &compensate,
		Entries:       []outbox.Entry{startedEntry, cmdEntry},
	}

	err = s.repo.Advance(ctx, params)
	if err == nil {
		log.Printf("level=warn component=transfer_service msg=\"credit failed, compensation started\" transfer_id=%s reason=%s", t.ID, reason)
	}
	return err
}

// SweepTimeouts re-publishes overdue commands and forces the failure branch
// once the retry budget is spent. Wired to the cron scheduler in main.
func (s *SagaService) SweepTimeouts(ctx context.Context) {
	overdue, err := s.repo.ListOverdueCommands(ctx, time.Now().UTC().Add(-s.commandTimeout), s.sweepBatchSize)
	if err != nil {
		log.Printf("level=error component=transfer_service msg=\"timeout sweep failed\" err=%v", err)
		return
	}

	for _, cmd := range overdue {
		if err := s.sweepCommand(ctx, cmd); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			log.Printf("level=error component=transfer_service msg=\"timeout handling failed\" command_id=%s err=%v", cmd.ID, err)
		}
	}
}

func (s *SagaService) sweepCommand(ctx context.Context, cmd domain.Command) error {
	t, err := s.repo.FindTransferByID(ctx, cmd.TransferID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(t.Status) {
		return nil
	}

	// Compensation retries are unbounded: conservation of funds beats any
	// retry budget once the debit has landed.
	if cmd.RetryCount < s.retryBudget || cmd.Type == domain.CommandCompensateDebit {
		entry, err := s.commandEntry(t, cmd, cmd.ID)
		if err != nil {
			return err
		}
		if err := s.repo.RequeueCommand(ctx, cmd.ID, entry); err != nil {
			return err
		}
		log.Printf("level=warn component=transfer_service msg=\"overdue command re-published\" command_id=%s type=%s retry=%d",
			cmd.ID, cmd.Type, cmd.RetryCount+1)
		return nil
	}

	switch cmd.Type {
	case domain.CommandDebit:
		entry, err := s.terminalEntry(t, messaging.TypeTransferAborted, domain.StatusAborted, domain.ReasonTimeout, cmd.ID)
		if err != nil {
			return err
		}
		err = s.repo.Advance(ctx, store.AdvanceParams{
			TransferID:    t.ID,
			FromStatus:    domain.StatusDebitPending,
			ToStatus:      domain.StatusAborted,
			FailureStage:  strPtr(domain.FailureStageDebit),
			FailureReason: strPtr(domain.ReasonTimeout),
			Completed:     true,
			Step:          step(t.ID, domain.StatusDebitPending, domain.StatusAborted, uuid.New()),
			FailCommandID: &cmd.ID,
			CommandError:  strPtr(domain.ReasonTimeout),
			Entries:       []outbox.Entry{entry},
		})
		if err == nil {
			log.Printf("level=warn component=transfer_service msg=\"transfer aborted on debit timeout\" transfer_id=%s", t.ID)
		}
		return err
	case domain.CommandCredit:
		return s.startCompensation(ctx, t, uuid.New(), cmd.ID, domain.ReasonTimeout, &cmd.ID)
	default:
		return nil
	}
}

// commandEntry builds the outbox entry carrying one wallet command.
func (s *SagaService) commandEntry(t *domain.Transfer, cmd domain.Command, causationID uuid.UUID) (outbox.Entry, error) {
	var messageType, direction string
	switch cmd.Type {
	case domain.CommandDebit:
		messageType, direction = messaging.TypeWalletDebitCommand, messaging.DirectionDebit
	case domain.CommandCredit:
		messageType, direction = messaging.TypeWalletCreditCommand, messaging.DirectionCredit
	case domain.CommandCompensateDebit:
		messageType, direction = messaging.TypeWalletCompensateDebitCommand, messaging.DirectionCompensateDebit
	default:
		return outbox.Entry{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}

	env, err := messaging.NewEnvelope(messageType, t.CorrelationID, causationID, messaging.WalletCommandPayload{
		CommandID:        cmd.ID,
		TransferID:       t.ID,
		WalletID:         cmd.WalletID,
		Direction:        direction,
		AmountMinorUnits: cmd.AmountMinorUnits,
		Currency:         t.Currency,
		IdempotencyKey:   cmd.IdempotencyKey(),
	})
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.NewEntry(transferAggregate, t.ID, messaging.WalletCommandExchange, env)
}

func (s *SagaService) terminalEntry(t *domain.Transfer, messageType, status, reason string, causationID uuid.UUID) (outbox.Entry, error) {
	env, err := messaging.NewEnvelope(messageType, t.CorrelationID, causationID, messaging.TransferTerminalPayload{
		TransferID: t.ID,
		Status:     status,
		Reason:     reason,
	})
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.NewEntry(transferAggregate, t.ID, messaging.TransferEventExchange, env)
}

func validateRequest(req domain.TransferRequest) error {
	if req.SourceWalletID == uuid.Nil || req.DestinationWalletID == uuid.Nil {
		return fmt.Errorf("%w: source and destination wallet ids are required", ErrInvalidRequest)
	}
	if req.SourceWalletID == req.DestinationWalletID {
		return fmt.Errorf("%w: source and destination wallets must differ", ErrInvalidRequest)
	}
	if req.AmountMinorUnits <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(strings.TrimSpace(req.Currency)) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ClientRequestID) == "" {
		return fmt.Errorf("%w: client_request_id is required", ErrInvalidRequest)
	}
	return nil
}

// requestHash is the canonical fingerprint of a submission, used to tell a
// replay from a conflicting reuse of the same client request id.
func requestHash(req domain.TransferRequest) string {
	canonical := fmt.Sprintf("%s|%s|%d|%s",
		req.SourceWalletID, req.DestinationWalletID, req.AmountMinorUnits, strings.ToUpper(req.Currency))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func step(transferID uuid.UUID, from, to string, eventID uuid.UUID) domain.Step {
	return domain.Step{
		ID:         uuid.New(),
		TransferID: transferID,
		FromStatus: from,
		ToStatus:   to,
		EventID:    eventID,
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
