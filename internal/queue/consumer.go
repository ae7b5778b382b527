package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("rollout consumer interrupted, retrying",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if sleepWithContext(ctx, backoff) != nil {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// acknowledger is the subset of amqp.Delivery used to settle a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (s settlement) apply(d acknowledger) error {
	switch s {
	case settleRequeue:
		return d.Nack(false, true)
	case settleDeadLetter:
		return d.Reject(false)
	default:
		return d.Ack(false)
	}
}

func (s settlement) String() string {
	switch s {
	case settleRequeue:
		return "requeue"
	case settleDeadLetter:
		return "dead-letter"
	default:
		return "ack"
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	return c.settle(ctx, d.Body, d.RoutingKey, d, handler)
}

// settle runs handler on a decoded rollout job. Undecodable jobs are
// dead-lettered without reaching the handler, failed ones are requeued.
func (c *RabbitMQConsumer) settle(
	ctx context.Context,
	body []byte,
	routingKey string,
	d acknowledger,
	handler MessageHandler,
) error {
	outcome := settleAck

	msg, err := decodeRolloutMessage(body)
	switch {
	case err != nil:
		outcome = settleDeadLetter
		c.logger.Warn("dropping undecodable rollout job",
			zap.String("routingKey", routingKey),
			zap.String("rolloutId", msg.RolloutID),
			zap.Error(err),
		)
	default:
		if err := handler(ctx, msg); err != nil {
			outcome = settleRequeue
			c.logger.Warn("rollout handler failed, requeueing",
				zap.String("rolloutId", msg.RolloutID),
				zap.Error(err),
			)
		}
	}

	if err := outcome.apply(d); err != nil {
		return fmt.Errorf("failed to %s delivery: %w", outcome, err)
	}
	return nil
}

func decodeRolloutMessage(body []byte) (RolloutMessage, error) {
	var msg RolloutMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return RolloutMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
