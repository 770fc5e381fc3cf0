package messaging

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewEnvelope_StampsIdentityAndVersion(t *testing.T) {
	correlation := uuid.New()
	causation := uuid.New()

	env, err := NewEnvelope(TypeWalletDebitCommand, correlation, causation, WalletCommandPayload{
		CommandID:        uuid.New(),
		TransferID:       uuid.New(),
		WalletID:         uuid.New(),
		Direction:        DirectionDebit,
		AmountMinorUnits: 100,
		Currency:         "USD",
		IdempotencyKey:   "k",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if env.MessageID == uuid.Nil {
		t.Fatal("expected a message id")
	}
	if env.CorrelationID != correlation || env.CausationID != causation {
		t.Fatal("expected correlation and causation preserved")
	}
	if env.PayloadVersion != PayloadVersion {
		t.Fatalf("expected payload version %q, got %q", PayloadVersion, env.PayloadVersion)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at stamped")
	}
}

func TestEnvelope_RoundTripsThroughWire(t *testing.T) {
	payload := WalletResultPayload{
		CommandID:  uuid.New(),
		TransferID: uuid.New(),
		WalletID:   uuid.New(),
		Direction:  DirectionCredit,
		Status:     ResultSucceeded,
	}
	env, err := NewEnvelope(TypeWalletResult, uuid.New(), uuid.New(), payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	wire, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var received Envelope
	if err := json.Unmarshal(wire, &received); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if received.MessageType != TypeWalletResult {
		t.Fatalf("expected wallet.result, got %q", received.MessageType)
	}

	var decoded WalletResultPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.CommandID != payload.CommandID || decoded.Status != ResultSucceeded {
		t.Fatal("payload did not survive the wire")
	}
}
