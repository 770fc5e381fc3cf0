package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Brankond/Momentum/internal/messaging"
)

// ResultConsumer adapts the saga service to the message-handler shape
// expected by pkg/rabbitmq: one call per delivery, returning true to ack.
type ResultConsumer struct {
	service *SagaService
}

// NewResultConsumer creates a consumer around the saga service.
func NewResultConsumer(service *SagaService) *ResultConsumer {
	return &ResultConsumer{service: service}
}

// HandleMessage processes one wallet result delivery. Malformed messages
// are acknowledged and dropped; transient processing errors return false so
// the broker redelivers.
func (c *ResultConsumer) HandleMessage(body []byte) bool {
	env, err := decodeEnvelope(body)
	if err != nil {
		log.Printf("level=warn component=transfer_consumer msg=\"invalid envelope; dropping\" err=%v", err)
		return true
	}
	if env.MessageType != messaging.TypeWalletResult {
		log.Printf("level=warn component=transfer_consumer msg=\"unexpected message type; dropping\" type=%s", env.MessageType)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandleWalletResult(ctx, env); err != nil {
		log.Printf("level=error component=transfer_consumer msg=\"result processing failed; requeueing\" message_id=%s err=%v", env.MessageID, err)
		return false
	}
	return true
}

func decodeEnvelope(body []byte) (messaging.Envelope, error) {
	var env messaging.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return messaging.Envelope{}, err
	}
	if env.MessageType == "" {
		return messaging.Envelope{}, fmt.Errorf("message_type is empty")
	}
	if len(env.Payload) == 0 {
		return messaging.Envelope{}, fmt.Errorf("payload is empty")
	}
	return env, nil
}
