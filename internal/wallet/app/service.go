/**
 * @description
 * Core application service for the wallet-service. It owns the ledger
 * invariants: every command handler is idempotent by construction, balances
 * never go negative, and each applied command produces exactly one movement
 * plus exactly one result event, committed atomically through the store.
 *
 * @dependencies
 * - internal/wallet/store: repository contract and sentinel errors.
 * - internal/messaging: envelope and payload shapes.
 * - internal/outbox: entries enqueued inside the store transaction.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/messaging"
	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/wallet/domain"
	"github.com/Brankond/Momentum/internal/wallet/store"
)

var (
	// ErrUnknownCommandType is returned when a message carries a tag the
	// wallet service does not handle.
	ErrUnknownCommandType = errors.New("unknown wallet command type")

	// ErrMissingReference is returned when an external transaction omits its
	// idempotency reference.
	ErrMissingReference = errors.New("reference is required")
)

const walletAggregate = "wallet"

// externalKeyPrefix keeps client-supplied references in their own keyspace,
// so a crafted reference can never replay a transfer command's movement.
const externalKeyPrefix = "external:"

// Service applies wallet commands against the ledger store.
type Service struct {
	repo            store.Repository
	resultTTL       time.Duration
	conflictRetries int
}

// NewService creates the wallet application service. resultTTL bounds the
// idempotency-record retention window; conflictRetries bounds the local
// retry loop on optimistic-concurrency conflicts.
func NewService(repo store.Repository, resultTTL time.Duration, conflictRetries int) *Service {
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	if conflictRetries <= 0 {
		conflictRetries = 3
	}
	return &Service{repo: repo, resultTTL: resultTTL, conflictRetries: conflictRetries}
}

// CreateWallet provisions a wallet with an optional opening balance.
func (s *Service) CreateWallet(ctx context.Context, req domain.CreateWalletRequest) (*domain.Wallet, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("currency must be a 3-letter ISO code, got %q", req.Currency)
	}
	if req.OpeningBalanceMinorUnits < 0 {
		return nil, fmt.Errorf("opening balance must not be negative")
	}
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("owner id is required")
	}

	w := &domain.Wallet{
		ID:                uuid.New(),
		OwnerID:           req.OwnerID,
		Currency:          currency,
		BalanceMinorUnits: req.OpeningBalanceMinorUnits,
		Status:            domain.WalletStatusActive,
	}
	if err := s.repo.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet returns a wallet snapshot.
func (s *Service) GetWallet(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	return s.repo.FindWalletByID(ctx, walletID)
}

// ListMovements returns a wallet's ledger, oldest first.
func (s *Service) ListMovements(ctx context.Context, walletID uuid.UUID) ([]domain.Movement, error) {
	if _, err := s.repo.FindWalletByID(ctx, walletID); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, walletID)
}

// Credit records an external top-up against the wallet.
func (s *Service) Credit(ctx context.Context, walletID uuid.UUID, req domain.WalletTransactionRequest) (*domain.Movement, error) {
	return s.applyExternal(ctx, walletID, domain.DirectionCredit, req)
}

// Debit records an external withdrawal from the wallet.
func (s *Service) Debit(ctx context.Context, walletID uuid.UUID, req domain.WalletTransactionRequest) (*domain.Movement, error) {
	return s.applyExternal(ctx, walletID, domain.DirectionDebit, req)
}

// applyExternal applies an HTTP-initiated movement. These share the ledger's
// exactly-once machinery with broker commands but announce no result event:
// the HTTP response is the confirmation, and they belong to no transfer.
func (s *Service) applyExternal(ctx context.Context, walletID uuid.UUID, direction string, req domain.WalletTransactionRequest) (*domain.Movement, error) {
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, ErrMissingReference
	}

	params := store.ApplyMovementParams{
		MovementID:       uuid.New(),
		WalletID:         walletID,
		TransferID:       uuid.Nil,
		Direction:        direction,
		AmountMinorUnits: req.AmountMinorUnits,
		IdempotencyKey:   externalKeyPrefix + reference,
		ResultTTL:        s.resultTTL,
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		movement, err := s.repo.ApplyMovement(ctx, params, nil)
		if err == nil {
			log.Printf("level=info component=wallet_service msg=\"external movement applied\" wallet_id=%s direction=%s amount=%d reference=%s",
				walletID, direction, req.AmountMinorUnits, reference)
			return movement, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("apply external movement: retries exhausted: %w", lastErr)
}

// HandleCommand applies one wallet command from the broker. A nil return
// means the message can be acknowledged; a non-nil return means redelivery
// is wanted (transient failure).
func (s *Service) HandleCommand(ctx context.Context, env messaging.Envelope) error {
	var direction string
	switch env.MessageType {
	case messaging.TypeWalletDebitCommand:
		direction = domain.DirectionDebit
	case messaging.TypeWalletCreditCommand:
		direction = domain.DirectionCredit
	case messaging.TypeWalletCompensateDebitCommand:
		// Compensation re-credits the source wallet; at the ledger level it
		// is a plain credit with its own idempotency key.
		direction = domain.DirectionCredit
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommandType, env.MessageType)
	}

	var cmd messaging.WalletCommandPayload
	if err := env.Decode(&cmd); err != nil {
		return fmt.Errorf("decode wallet command: %w", err)
	}
	if cmd.IdempotencyKey == "" {
		log.Printf("level=warn component=wallet_service msg=\"command missing idempotency key; dropping\" command_id=%s", cmd.CommandID)
		return nil
	}

	// Redelivery of an already handled command: the result event was
	// enqueued in the original transaction, so there is nothing left to do.
	if prior, err := s.repo.FindCommandResult(ctx, cmd.IdempotencyKey); err == nil {
		log.Printf("level=info component=wallet_service msg=\"duplicate command ignored\" idempotency_key=%s outcome=%s", prior.IdempotencyKey, prior.Outcome)
		return nil
	} else if !errors.Is(err, store.ErrCommandResultNotFound) {
		return fmt.Errorf("idempotency lookup: %w", err)
	}

	return s.apply(ctx, env, cmd, direction)
}

func (s *Service) apply(ctx context.Context, env messaging.Envelope, cmd messaging.WalletCommandPayload, direction string) error {
	params := store.ApplyMovementParams{
		MovementID:       uuid.New(),
		WalletID:         cmd.WalletID,
		TransferID:       cmd.TransferID,
		Direction:        direction,
		AmountMinorUnits: cmd.AmountMinorUnits,
		IdempotencyKey:   cmd.IdempotencyKey,
		ResultTTL:        s.resultTTL,
	}
	announce := func(m domain.Movement) (outbox.Entry, error) {
		return s.resultEntry(env, cmd, messaging.ResultSucceeded, &m, "")
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		movement, err := s.repo.ApplyMovement(ctx, params, announce)
		if err == nil {
			log.Printf("level=info component=wallet_service msg=\"movement applied\" wallet_id=%s direction=%s amount=%d balance_after=%d",
				cmd.WalletID, env.MessageType, cmd.AmountMinorUnits, movement.BalanceAfterMinorUnits)
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			// Concurrent mutation on the same wallet row; re-read and retry.
			lastErr = err
			continue
		}
		if reason, terminal := failureReason(err); terminal {
			return s.recordFailure(ctx, env, cmd, reason)
		}
		return fmt.Errorf("apply movement: %w", err)
	}
	return fmt.Errorf("apply movement: retries exhausted: %w", lastErr)
}

func (s *Service) recordFailure(ctx context.Context, env messaging.Envelope, cmd messaging.WalletCommandPayload, reason string) error {
	entry, err := s.resultEntry(env, cmd, messaging.ResultFailed, nil, reason)
	if err != nil {
		return err
	}
	if err := s.repo.RecordCommandFailure(ctx, store.CommandFailureParams{
		IdempotencyKey: cmd.IdempotencyKey,
		WalletID:       cmd.WalletID,
		TransferID:     cmd.TransferID,
		FailureReason:  reason,
		ResultTTL:      s.resultTTL,
	}, entry); err != nil {
		return fmt.Errorf("record command failure: %w", err)
	}
	log.Printf("level=warn component=wallet_service msg=\"command failed\" wallet_id=%s type=%s reason=%s", cmd.WalletID, env.MessageType, reason)
	return nil
}

func (s *Service) resultEntry(env messaging.Envelope, cmd messaging.WalletCommandPayload, status string, m *domain.Movement, reason string) (outbox.Entry, error) {
	payload := messaging.WalletResultPayload{
		CommandID:        cmd.CommandID,
		TransferID:       cmd.TransferID,
		WalletID:         cmd.WalletID,
		Direction:        resultDirection(env.MessageType),
		Status:           status,
		AmountMinorUnits: cmd.AmountMinorUnits,
		IdempotencyKey:   cmd.IdempotencyKey,
		FailureReason:    reason,
	}
	if m != nil {
		payload.MovementID = &m.ID
		balance := m.BalanceAfterMinorUnits
		payload.RunningBalanceMinorUnits = &balance
	}

	resultEnv, err := messaging.NewEnvelope(messaging.TypeWalletResult, env.CorrelationID, env.MessageID, payload)
	if err != nil {
		return outbox.Entry{}, err
	}
	return outbox.NewEntry(walletAggregate, cmd.WalletID, messaging.WalletEventExchange, resultEnv)
}

// PruneCommandResults removes expired idempotency records. Wired to the
// consumer's housekeeping ticker in main.
func (s *Service) PruneCommandResults(ctx context.Context) {
	n, err := s.repo.DeleteExpiredCommandResults(ctx)
	if err != nil {
		log.Printf("level=error component=wallet_service msg=\"idempotency prune failed\" err=%v", err)
		return
	}
	if n > 0 {
		log.Printf("level=info component=wallet_service msg=\"pruned expired idempotency records\" count=%d", n)
	}
}

// resultDirection maps a command tag to the direction reported on results,
// preserving the compensate tag so the orchestrator can tell a compensation
// result from an ordinary credit.
func resultDirection(messageType string) string {
	switch messageType {
	case messaging.TypeWalletDebitCommand:
		return messaging.DirectionDebit
	case messaging.TypeWalletCreditCommand:
		return messaging.DirectionCredit
	case messaging.TypeWalletCompensateDebitCommand:
		return messaging.DirectionCompensateDebit
	default:
		return messageType
	}
}

func failureReason(err error) (string, bool) {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return messaging.FailureInsufficientFunds, true
	case errors.Is(err, store.ErrWalletNotFound):
		return messaging.FailureWalletNotFound, true
	case errors.Is(err, store.ErrWalletInactive):
		return messaging.FailureWalletInactive, true
	case errors.Is(err, store.ErrInvalidAmount):
		return "invalid_amount", true
	default:
		return "", false
	}
}
