package outbox

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Store is the persistence surface the relay drains from.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]Entry, error)
	MarkDispatched(ctx context.Context, ids []uuid.UUID) error
}

// Publisher sends one message to the broker. pkg/rabbitmq.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Relay drains pending outbox entries to the broker in creation order.
// It is meant to run as its own scheduled process, independent of the
// services that enqueue.
type Relay struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	batchSize int
}

// NewRelay creates a Relay draining at most batchSize entries per pass.
func NewRelay(store Store, publisher Publisher, logger *slog.Logger, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{store: store, publisher: publisher, logger: logger, batchSize: batchSize}
}

// DrainOnce publishes one batch of pending entries and returns how many were
// dispatched. The pass stops at the first publish failure: marking later
// entries dispatched while an earlier one stays pending would break the
// per-aggregate ordering guarantee. The failed entry stays pending and the
// next pass retries it.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	entries, err := r.store.ListPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var dispatched []uuid.UUID
	var publishErr error
	for _, e := range entries {
		if err := r.publisher.Publish(ctx, e.Exchange, e.RoutingKey, e.Payload); err != nil {
			r.logger.Warn("publish failed; entry stays pending",
				"entry_id", e.ID,
				"routing_key", e.RoutingKey,
				"error", err,
			)
			publishErr = err
			break
		}
		dispatched = append(dispatched, e.ID)
	}

	if len(dispatched) > 0 {
		if err := r.store.MarkDispatched(ctx, dispatched); err != nil {
			// The broker already has these messages; leaving them pending only
			// means a redundant redelivery, which consumers dedupe by key.
			r.logger.Error("mark dispatched failed; entries will be republished", "error", err)
			return len(dispatched), err
		}
	}

	return len(dispatched), publishErr
}
