package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishNotConfirmed is returned when the broker nacks a rollout job.
var ErrPublishNotConfirmed = errors.New("broker did not confirm publish")

var _ Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher publishes rollout jobs in confirm mode. Publish returns
// only after the broker has taken responsibility for the message, so a
// rollout is never marked QUEUED for a job the broker dropped.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg RolloutMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := rolloutPublishing(msg, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish rollout %s to %q: %w", msg.RolloutID, queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm of rollout %s: %w", msg.RolloutID, err)
	}
	if !acked {
		return fmt.Errorf("rollout %s on %q: %w", msg.RolloutID, queue, ErrPublishNotConfirmed)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// rolloutPublishing builds the persistent broker message for msg. The rollout
// id is the message id so redeliveries can be traced.
func rolloutPublishing(msg RolloutMessage, at time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid rollout message: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal rollout message: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     at.UTC(),
		MessageId:     msg.RolloutID,
		CorrelationId: msg.CorrelationID,
		Type:          "rollout",
		Headers:       amqp.Table{"protocol": msg.Protocol},
		Body:          body,
	}, nil
}
