/**
 * @description
 * This package defines the message contract shared by the wallet-service and the
 * transfer-service. Every message crossing a service boundary travels inside the
 * same JSON envelope; the payload is a tagged union selected by `message_type`.
 * Consumers dispatch strictly by tag, never by inspecting the payload shape.
 *
 * @notes
 * - `correlation_id` ties every message of one transfer saga together.
 * - `causation_id` points at the message (or command) that caused this one,
 *   which keeps the audit trail walkable end to end.
 */

package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PayloadVersion is stamped on every envelope so consumers can reject
// payload shapes they do not understand.
const PayloadVersion = "1.0.0"

// Message type tags. These double as RabbitMQ routing keys.
const (
	TypeWalletDebitCommand           = "wallet.command.debit"
	TypeWalletCreditCommand          = "wallet.command.credit"
	TypeWalletCompensateDebitCommand = "wallet.command.compensate_debit"

	TypeWalletResult = "wallet.result"

	TypeTransferCompleted           = "transfer.completed"
	TypeTransferAborted             = "transfer.aborted"
	TypeTransferCompensated         = "transfer.compensated"
	TypeTransferCompensationStarted = "transfer.compensation.started"
)

// Exchange names. All are durable topic exchanges.
const (
	WalletCommandExchange = "momentum.wallet.commands"
	WalletEventExchange   = "momentum.wallet.events"
	TransferEventExchange = "momentum.transfer.events"
)

// Envelope is the wire format for every command and event.
type Envelope struct {
	MessageID      uuid.UUID       `json:"message_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  uuid.UUID       `json:"correlation_id"`
	CausationID    uuid.UUID       `json:"causation_id"`
	MessageType    string          `json:"message_type"`
	PayloadVersion string          `json:"payload_version"`
	Payload        json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload in a freshly stamped envelope.
func NewEnvelope(messageType string, correlationID, causationID uuid.UUID, payload interface{}) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID:      uuid.New(),
		OccurredAt:     time.Now().UTC(),
		CorrelationID:  correlationID,
		CausationID:    causationID,
		MessageType:    messageType,
		PayloadVersion: PayloadVersion,
		Payload:        body,
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
