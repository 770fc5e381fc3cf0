/**
 * @description
 * This package implements the transactional outbox shared by the wallet-service
 * and the transfer-service. A state change and the message announcing it are
 * written in the same database transaction; a separate relay process drains
 * pending rows to RabbitMQ, which removes the dual-write problem entirely.
 *
 * Delivery is at-least-once: a crash between publish and the dispatched mark
 * replays the entry, and every consumer in the system is idempotent by key.
 */

package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Brankond/Momentum/internal/messaging"
)

// Dispatch states for an outbox entry.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
)

// Entry is one row of the outbox table: a message waiting to be published.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Exchange      string
	RoutingKey    string
	Payload       json.RawMessage
	Status        string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

// NewEntry builds a pending entry carrying a marshaled message envelope.
// The routing key is the envelope's message type.
func NewEntry(aggregateType string, aggregateID uuid.UUID, exchange string, env messaging.Envelope) (Entry, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Exchange:      exchange,
		RoutingKey:    env.MessageType,
		Payload:       payload,
		Status:        StatusPending,
	}, nil
}
