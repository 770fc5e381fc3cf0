package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/messaging"
	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/internal/transfer/domain"
	"github.com/Brankond/Momentum/internal/transfer/store"
	walletapp "github.com/Brankond/Momentum/internal/wallet/app"
	walletdomain "github.com/Brankond/Momentum/internal/wallet/domain"
	walletstore "github.com/Brankond/Momentum/internal/wallet/store"
)

// flowLedger is an in-memory wallet store that really moves balances, so the
// flow tests below can assert numeric outcomes end to end.
type flowLedger struct {
	walletstore.Repository

	wallets   map[uuid.UUID]*walletdomain.Wallet
	movements []walletdomain.Movement
	results   map[string]*walletdomain.CommandResult
	entries   []outbox.Entry
}

func newFlowLedger() *flowLedger {
	return &flowLedger{
		wallets: make(map[uuid.UUID]*walletdomain.Wallet),
		results: make(map[string]*walletdomain.CommandResult),
	}
}

func (l *flowLedger) addWallet(balance int64) uuid.UUID {
	w := &walletdomain.Wallet{
		ID:                uuid.New(),
		OwnerID:           uuid.New(),
		Currency:          "USD",
		BalanceMinorUnits: balance,
		Status:            walletdomain.WalletStatusActive,
		Version:           1,
	}
	l.wallets[w.ID] = w
	return w.ID
}

func (l *flowLedger) balance(t *testing.T, walletID uuid.UUID) int64 {
	t.Helper()
	w, ok := l.wallets[walletID]
	if !ok {
		t.Fatalf("unknown wallet %s", walletID)
	}
	return w.BalanceMinorUnits
}

func (l *flowLedger) walletMovements(walletID uuid.UUID) []walletdomain.Movement {
	var out []walletdomain.Movement
	for _, m := range l.movements {
		if m.WalletID == walletID {
			out = append(out, m)
		}
	}
	return out
}

func (l *flowLedger) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*walletdomain.Wallet, error) {
	w, ok := l.wallets[walletID]
	if !ok {
		return nil, walletstore.ErrWalletNotFound
	}
	copied := *w
	return &copied, nil
}

func (l *flowLedger) FindCommandResult(ctx context.Context, idempotencyKey string) (*walletdomain.CommandResult, error) {
	if res, ok := l.results[idempotencyKey]; ok {
		return res, nil
	}
	return nil, walletstore.ErrCommandResultNotFound
}

func (l *flowLedger) ApplyMovement(ctx context.Context, p walletstore.ApplyMovementParams, announce func(walletdomain.Movement) (outbox.Entry, error)) (*walletdomain.Movement, error) {
	if p.AmountMinorUnits <= 0 {
		return nil, walletstore.ErrInvalidAmount
	}
	for _, m := range l.movements {
		if m.WalletID == p.WalletID && m.IdempotencyKey == p.IdempotencyKey {
			prior := m
			return &prior, nil
		}
	}
	w, ok := l.wallets[p.WalletID]
	if !ok {
		return nil, walletstore.ErrWalletNotFound
	}
	if w.Status != walletdomain.WalletStatusActive {
		return nil, walletstore.ErrWalletInactive
	}

	balance := w.BalanceMinorUnits
	switch p.Direction {
	case walletdomain.DirectionDebit:
		if balance < p.AmountMinorUnits {
			return nil, walletstore.ErrInsufficientFunds
		}
		balance -= p.AmountMinorUnits
	case walletdomain.DirectionCredit:
		balance += p.AmountMinorUnits
	}

	movement := walletdomain.Movement{
		ID:                     p.MovementID,
		WalletID:               p.WalletID,
		TransferID:             p.TransferID,
		Direction:              p.Direction,
		AmountMinorUnits:       p.AmountMinorUnits,
		BalanceAfterMinorUnits: balance,
		IdempotencyKey:         p.IdempotencyKey,
		OccurredAt:             time.Now().UTC(),
	}
	w.BalanceMinorUnits = balance
	w.Version++
	l.movements = append(l.movements, movement)
	l.results[p.IdempotencyKey] = &walletdomain.CommandResult{
		IdempotencyKey: p.IdempotencyKey,
		WalletID:       p.WalletID,
		TransferID:     p.TransferID,
		Outcome:        walletdomain.OutcomeSucceeded,
		MovementID:     &movement.ID,
	}

	if announce != nil {
		entry, err := announce(movement)
		if err != nil {
			return nil, err
		}
		l.entries = append(l.entries, entry)
	}
	return &movement, nil
}

func (l *flowLedger) RecordCommandFailure(ctx context.Context, p walletstore.CommandFailureParams, entry outbox.Entry) error {
	reason := p.FailureReason
	l.results[p.IdempotencyKey] = &walletdomain.CommandResult{
		IdempotencyKey: p.IdempotencyKey,
		WalletID:       p.WalletID,
		TransferID:     p.TransferID,
		Outcome:        walletdomain.OutcomeFailed,
		FailureReason:  &reason,
	}
	l.entries = append(l.entries, entry)
	return nil
}

// flowTransferRepo is an in-memory transfer store that honors the status
// guard, so the saga walks its real transition table during the flow tests.
type flowTransferRepo struct {
	store.Repository

	transfers   map[uuid.UUID]*domain.Transfer
	commands    map[uuid.UUID]*domain.Command
	steps       map[uuid.UUID][]domain.Step
	idempotency map[string]*domain.IdempotencyRecord
	entries     []outbox.Entry
}

func newFlowTransferRepo() *flowTransferRepo {
	return &flowTransferRepo{
		transfers:   make(map[uuid.UUID]*domain.Transfer),
		commands:    make(map[uuid.UUID]*domain.Command),
		steps:       make(map[uuid.UUID][]domain.Step),
		idempotency: make(map[string]*domain.IdempotencyRecord),
	}
}

func (r *flowTransferRepo) CreateSaga(ctx context.Context, p store.CreateSagaParams) error {
	if _, exists := r.idempotency[p.Idempotency.ClientRequestID]; exists {
		return store.ErrDuplicateRequest
	}
	transfer := p.Transfer
	transfer.CreatedAt = time.Now().UTC()
	r.transfers[transfer.ID] = &transfer
	for _, c := range p.Commands {
		cmd := c
		r.commands[cmd.ID] = &cmd
	}
	rec := p.Idempotency
	r.idempotency[rec.ClientRequestID] = &rec
	r.steps[transfer.ID] = append(r.steps[transfer.ID], p.OpeningStep)
	r.entries = append(r.entries, p.Entry)
	return nil
}

func (r *flowTransferRepo) Advance(ctx context.Context, p store.AdvanceParams) error {
	t, ok := r.transfers[p.TransferID]
	if !ok || t.Status != p.FromStatus {
		return store.ErrStaleTransition
	}
	t.Status = p.ToStatus
	if p.FailureStage != nil {
		t.FailureStage = p.FailureStage
	}
	if p.FailureReason != nil {
		t.FailureReason = p.FailureReason
	}
	if p.Completed {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	r.steps[t.ID] = append(r.steps[t.ID], p.Step)

	now := time.Now().UTC()
	if p.AckCommandID != nil {
		if cmd, ok := r.commands[*p.AckCommandID]; ok {
			cmd.Status = domain.CommandAcked
			cmd.AcknowledgedAt = &now
		}
	}
	if p.FailCommandID != nil {
		if cmd, ok := r.commands[*p.FailCommandID]; ok {
			cmd.Status = domain.CommandFailed
			cmd.LastError = p.CommandError
			cmd.RetryCount++
		}
	}
	if p.SendCommandID != nil {
		if cmd, ok := r.commands[*p.SendCommandID]; ok {
			cmd.Status = domain.CommandSent
			cmd.SentAt = &now
		}
	}
	if p.InsertCommand != nil {
		cmd := *p.InsertCommand
		cmd.Status = domain.CommandSent
		if cmd.SentAt == nil {
			cmd.SentAt = &now
		}
		r.commands[cmd.ID] = &cmd
	}
	r.entries = append(r.entries, p.Entries...)
	return nil
}

func (r *flowTransferRepo) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	t, ok := r.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *flowTransferRepo) FindCommandByID(ctx context.Context, commandID uuid.UUID) (*domain.Command, error) {
	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, store.ErrCommandNotFound
	}
	copied := *cmd
	return &copied, nil
}

func (r *flowTransferRepo) FindCommand(ctx context.Context, transferID uuid.UUID, commandType string) (*domain.Command, error) {
	for _, cmd := range r.commands {
		if cmd.TransferID == transferID && cmd.Type == commandType {
			copied := *cmd
			return &copied, nil
		}
	}
	return nil, store.ErrCommandNotFound
}

func (r *flowTransferRepo) ListSteps(ctx context.Context, transferID uuid.UUID) ([]domain.Step, error) {
	return r.steps[transferID], nil
}

func (r *flowTransferRepo) FindIdempotencyRecord(ctx context.Context, clientRequestID string) (*domain.IdempotencyRecord, error) {
	rec, ok := r.idempotency[clientRequestID]
	if !ok {
		return nil, store.ErrIdempotencyNotFound
	}
	return rec, nil
}

func (r *flowTransferRepo) ListOverdueCommands(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Command, error) {
	var out []domain.Command
	for _, cmd := range r.commands {
		if cmd.Status == domain.CommandSent && cmd.SentAt != nil && cmd.SentAt.Before(sentBefore) {
			out = append(out, *cmd)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *flowTransferRepo) RequeueCommand(ctx context.Context, commandID uuid.UUID, entry outbox.Entry) error {
	cmd, ok := r.commands[commandID]
	if !ok || cmd.Status != domain.CommandSent {
		return store.ErrStaleTransition
	}
	now := time.Now().UTC()
	cmd.RetryCount++
	cmd.SentAt = &now
	r.entries = append(r.entries, entry)
	return nil
}

// rewindSentCommands pushes every sent command's timestamp into the past so
// the timeout sweeper sees it as overdue.
func (r *flowTransferRepo) rewindSentCommands(by time.Duration) {
	for _, cmd := range r.commands {
		if cmd.Status == domain.CommandSent && cmd.SentAt != nil {
			past := cmd.SentAt.Add(-by)
			cmd.SentAt = &past
		}
	}
}

// flowHarness wires a real wallet service and a real saga service together
// through the two in-memory stores and shuttles outbox entries between them
// the way the relay and broker would.
type flowHarness struct {
	t      *testing.T
	ledger *flowLedger
	repo   *flowTransferRepo
	wallet *walletapp.Service
	saga   *SagaService

	// drop suppresses delivery of the named message types, simulating a
	// command that never reaches the wallet-service.
	drop map[string]bool

	// handledCommands keeps every wallet command delivered, so tests can
	// replay one to prove redelivery is harmless.
	handledCommands []messaging.Envelope
}

func newFlowHarness(t *testing.T, retryBudget int) *flowHarness {
	ledger := newFlowLedger()
	repo := newFlowTransferRepo()
	return &flowHarness{
		t:      t,
		ledger: ledger,
		repo:   repo,
		wallet: walletapp.NewService(ledger, time.Hour, 3),
		saga:   NewSagaService(repo, 24*time.Hour, 30*time.Second, retryBudget, 100),
		drop:   make(map[string]bool),
	}
}

func (h *flowHarness) nextEntry() (outbox.Entry, bool) {
	if len(h.repo.entries) > 0 {
		entry := h.repo.entries[0]
		h.repo.entries = h.repo.entries[1:]
		return entry, true
	}
	if len(h.ledger.entries) > 0 {
		entry := h.ledger.entries[0]
		h.ledger.entries = h.ledger.entries[1:]
		return entry, true
	}
	return outbox.Entry{}, false
}

func (h *flowHarness) pump() {
	h.t.Helper()
	ctx := context.Background()
	for {
		entry, ok := h.nextEntry()
		if !ok {
			return
		}
		var env messaging.Envelope
		if err := json.Unmarshal(entry.Payload, &env); err != nil {
			h.t.Fatalf("decode entry envelope: %v", err)
		}
		if h.drop[env.MessageType] {
			continue
		}
		switch entry.Exchange {
		case messaging.WalletCommandExchange:
			h.handledCommands = append(h.handledCommands, env)
			if err := h.wallet.HandleCommand(ctx, env); err != nil {
				h.t.Fatalf("wallet command %s: %v", env.MessageType, err)
			}
		case messaging.WalletEventExchange:
			if err := h.saga.HandleWalletResult(ctx, env); err != nil {
				h.t.Fatalf("wallet result: %v", err)
			}
		case messaging.TransferEventExchange:
			// Notification events; nothing in the loop consumes them.
		default:
			h.t.Fatalf("entry on unexpected exchange %q", entry.Exchange)
		}
	}
}

func (h *flowHarness) submit(source, destination uuid.UUID, amount int64, clientRequestID string) *domain.Transfer {
	h.t.Helper()
	transfer, replayed, err := h.saga.Initiate(context.Background(), domain.TransferRequest{
		SourceWalletID:      source,
		DestinationWalletID: destination,
		AmountMinorUnits:    amount,
		Currency:            "USD",
		ClientRequestID:     clientRequestID,
	})
	if err != nil {
		h.t.Fatalf("initiate transfer: %v", err)
	}
	if replayed {
		h.t.Fatal("fresh submission reported as replay")
	}
	return transfer
}

func (h *flowHarness) transferStatus(transferID uuid.UUID) *domain.Transfer {
	h.t.Helper()
	t, err := h.repo.FindTransferByID(context.Background(), transferID)
	if err != nil {
		h.t.Fatalf("find transfer: %v", err)
	}
	return t
}

func TestTransferFlow_CompletedTransferMovesFunds(t *testing.T) {
	h := newFlowHarness(t, 3)
	source := h.ledger.addWallet(1000)
	destination := h.ledger.addWallet(500)

	transfer := h.submit(source, destination, 300, "flow-completed")
	h.pump()

	final := h.transferStatus(transfer.ID)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %q", final.Status)
	}
	if got := h.ledger.balance(t, source); got != 700 {
		t.Fatalf("expected source balance 700, got %d", got)
	}
	if got := h.ledger.balance(t, destination); got != 800 {
		t.Fatalf("expected destination balance 800, got %d", got)
	}
	if n := len(h.ledger.movements); n != 2 {
		t.Fatalf("expected two ledger movements, got %d", n)
	}

	steps := h.repo.steps[transfer.ID]
	want := []string{domain.StatusDebitPending, domain.StatusCreditPending, domain.StatusCompleted}
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, s := range steps {
		if s.ToStatus != want[i] {
			t.Fatalf("step %d: expected transition to %q, got %q", i, want[i], s.ToStatus)
		}
	}
}

func TestTransferFlow_RedeliveredCommandAppliesOnce(t *testing.T) {
	h := newFlowHarness(t, 3)
	source := h.ledger.addWallet(1000)
	destination := h.ledger.addWallet(500)

	h.submit(source, destination, 300, "flow-redelivery")
	h.pump()

	if len(h.handledCommands) == 0 {
		t.Fatal("expected at least one delivered wallet command")
	}
	movementsBefore := len(h.ledger.movements)
	for _, env := range h.handledCommands {
		if err := h.wallet.HandleCommand(context.Background(), env); err != nil {
			t.Fatalf("redelivery of %s: %v", env.MessageType, err)
		}
	}

	if got := h.ledger.balance(t, source); got != 700 {
		t.Fatalf("redelivery changed source balance: %d", got)
	}
	if got := h.ledger.balance(t, destination); got != 800 {
		t.Fatalf("redelivery changed destination balance: %d", got)
	}
	if len(h.ledger.movements) != movementsBefore {
		t.Fatalf("redelivery grew the ledger from %d to %d movements", movementsBefore, len(h.ledger.movements))
	}
}

func TestTransferFlow_InsufficientFundsAbortsWithoutMovingFunds(t *testing.T) {
	h := newFlowHarness(t, 3)
	source := h.ledger.addWallet(1000)
	destination := h.ledger.addWallet(500)

	transfer := h.submit(source, destination, 2000, "flow-insufficient")
	h.pump()

	final := h.transferStatus(transfer.ID)
	if final.Status != domain.StatusAborted {
		t.Fatalf("expected aborted, got %q", final.Status)
	}
	if final.FailureStage == nil || *final.FailureStage != domain.FailureStageDebit {
		t.Fatalf("expected debit failure stage, got %v", final.FailureStage)
	}
	if final.FailureReason == nil || *final.FailureReason != messaging.FailureInsufficientFunds {
		t.Fatalf("expected insufficient_funds reason, got %v", final.FailureReason)
	}
	if got := h.ledger.balance(t, source); got != 1000 {
		t.Fatalf("expected source balance unchanged, got %d", got)
	}
	if got := h.ledger.balance(t, destination); got != 500 {
		t.Fatalf("expected destination balance unchanged, got %d", got)
	}
	if n := len(h.ledger.movements); n != 0 {
		t.Fatalf("expected no ledger movements, got %d", n)
	}
}

func TestTransferFlow_CreditTimeoutCompensatesSourceWallet(t *testing.T) {
	h := newFlowHarness(t, 1)
	source := h.ledger.addWallet(1000)
	destination := h.ledger.addWallet(500)

	// The credit command never reaches the wallet-service.
	h.drop[messaging.TypeWalletCreditCommand] = true

	transfer := h.submit(source, destination, 300, "flow-timeout")
	h.pump()

	mid := h.transferStatus(transfer.ID)
	if mid.Status != domain.StatusCreditPending {
		t.Fatalf("expected credit_pending after the debit, got %q", mid.Status)
	}
	if got := h.ledger.balance(t, source); got != 700 {
		t.Fatalf("expected debited source balance 700, got %d", got)
	}

	// First sweep re-publishes the credit inside the retry budget; the
	// second exhausts it and starts compensation.
	h.repo.rewindSentCommands(time.Hour)
	h.saga.SweepTimeouts(context.Background())
	h.pump()
	h.repo.rewindSentCommands(time.Hour)
	h.saga.SweepTimeouts(context.Background())
	h.pump()

	final := h.transferStatus(transfer.ID)
	if final.Status != domain.StatusCompensated {
		t.Fatalf("expected compensated, got %q", final.Status)
	}
	if final.FailureStage == nil || *final.FailureStage != domain.FailureStageCredit {
		t.Fatalf("expected credit failure stage, got %v", final.FailureStage)
	}
	if final.FailureReason == nil || *final.FailureReason != domain.ReasonTimeout {
		t.Fatalf("expected timeout reason, got %v", final.FailureReason)
	}
	if got := h.ledger.balance(t, source); got != 1000 {
		t.Fatalf("expected source balance restored to 1000, got %d", got)
	}
	if got := h.ledger.balance(t, destination); got != 500 {
		t.Fatalf("expected destination balance unchanged, got %d", got)
	}

	audit := h.ledger.walletMovements(source)
	if len(audit) != 2 {
		t.Fatalf("expected debit plus compensating credit on the source ledger, got %d movements", len(audit))
	}
	if audit[0].Direction != walletdomain.DirectionDebit || audit[1].Direction != walletdomain.DirectionCredit {
		t.Fatalf("expected debit then credit in the audit trail, got %q then %q", audit[0].Direction, audit[1].Direction)
	}
}
