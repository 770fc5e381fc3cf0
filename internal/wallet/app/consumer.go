package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Brankond/Momentum/internal/messaging"
)

// CommandConsumer adapts the wallet service to the message-handler shape
// expected by pkg/rabbitmq: one call per delivery, returning true to ack.
type CommandConsumer struct {
	service *Service
}

// NewCommandConsumer creates a consumer around the wallet service.
func NewCommandConsumer(service *Service) *CommandConsumer {
	return &CommandConsumer{service: service}
}

// HandleMessage processes one wallet command delivery. Malformed messages
// are acknowledged and dropped; transient processing errors return false so
// the broker redelivers.
func (c *CommandConsumer) HandleMessage(body []byte) bool {
	env, err := decodeEnvelope(body)
	if err != nil {
		log.Printf("level=warn component=wallet_consumer msg=\"invalid envelope; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandleCommand(ctx, env); err != nil {
		if errors.Is(err, ErrUnknownCommandType) {
			log.Printf("level=warn component=wallet_consumer msg=\"unknown command type; dropping\" type=%s", env.MessageType)
			return true
		}
		log.Printf("level=error component=wallet_consumer msg=\"command processing failed; requeueing\" message_id=%s err=%v", env.MessageID, err)
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
