package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rollout-engine/internal/channel"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// Message types on the control queue and the reply queue.
	typeRegister = "register"
	typeClear    = "clear"
	typeAck      = "ack"

	// headerSetID carries the subscription set an event was produced for.
	headerSetID = "x-set-id"
)

var _ channel.Channel = (*EventBus)(nil)

// EventBus is the notification channel to the entity service over RabbitMQ.
// Filter requests go to SubscriptionControlQueue with ReplyTo set to a
// server-named exclusive queue; acks and filtered events come back on that
// queue. Acks are matched to requests by correlation id.
type EventBus struct {
	client     *RabbitMQ
	logger     *zap.Logger
	dispatcher *channel.Dispatcher

	publish      func(ctx context.Context, routingKey string, msg amqp.Publishing) error
	newRequestID func() string

	mu         sync.Mutex
	pending    map[string]chan channel.Ack
	replyQueue string
	ready      chan struct{}
	readyOnce  sync.Once
}

func NewEventBus(client *RabbitMQ, logger *zap.Logger) (*EventBus, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := newEventBus(logger)
	b.client = client
	b.publish = b.publishControl
	return b, nil
}

func newEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		logger:       logger,
		dispatcher:   channel.NewDispatcher(),
		newRequestID: uuid.NewString,
		pending:      make(map[string]chan channel.Ack),
		ready:        make(chan struct{}),
	}
}

// Run consumes the reply queue until ctx is done, reconnecting with backoff.
// RegisterFilters and ClearFilters block until the first reply queue exists.
func (b *EventBus) Run(ctx context.Context) error {
	backoff := reconnectBackoff
	for {
		err := b.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		b.logger.Warn("event bus consumer interrupted, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if sleepWithContext(ctx, backoff) != nil {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func (b *EventBus) consumeOnce(ctx context.Context) error {
	ch, err := b.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume reply queue %q: %w", q.Name, err)
	}

	// Filters registered against a previous queue no longer reach us; their
	// batches end in a timeout.
	b.setReplyQueue(q.Name)
	b.logger.Info("event bus reply queue ready", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("reply delivery channel closed")
			}
			b.handleDelivery(d)
		}
	}
}

func (b *EventBus) setReplyQueue(name string) {
	b.mu.Lock()
	b.replyQueue = name
	b.mu.Unlock()
	b.readyOnce.Do(func() { close(b.ready) })
}

func (b *EventBus) AddHandler(h channel.Handler) func() {
	return b.dispatcher.AddHandler(h)
}

func (b *EventBus) RegisterFilters(ctx context.Context, setID string, filters []channel.Filter) error {
	return b.request(ctx, typeRegister, channel.FilterRequest{SetID: setID, Filters: filters})
}

func (b *EventBus) ClearFilters(ctx context.Context, setID string) error {
	return b.request(ctx, typeClear, channel.FilterRequest{SetID: setID})
}

func (b *EventBus) request(ctx context.Context, op string, req channel.FilterRequest) error {
	body, err := channel.EncodeFilterRequest(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	select {
	case <-b.ready:
	case <-ctx.Done():
		return fmt.Errorf("event bus not ready: %w", ctx.Err())
	}

	requestID := b.newRequestID()
	acks := make(chan channel.Ack, 1)

	b.mu.Lock()
	b.pending[requestID] = acks
	replyQueue := b.replyQueue
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	err = b.publish(ctx, SubscriptionControlQueue, amqp.Publishing{
		ContentType:   channel.ContentType,
		CorrelationId: requestID,
		ReplyTo:       replyQueue,
		Type:          op,
		Headers:       amqp.Table{headerSetID: req.SetID},
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s request: %w", op, err)
	}

	select {
	case ack := <-acks:
		if !ack.OK {
			return fmt.Errorf("%s request for set %q rejected: %s", op, req.SetID, ack.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s request for set %q not confirmed: %w", op, req.SetID, ctx.Err())
	}
}

// handleDelivery routes one reply-queue message: acks to their waiting
// request, events to the installed handlers.
func (b *EventBus) handleDelivery(d amqp.Delivery) {
	if d.Type == typeAck {
		b.handleAck(d)
		return
	}

	ev, err := channel.DecodeEvent(channel.EventKind(d.Type), d.Body)
	if err != nil {
		b.logger.Warn("dropping undecodable event",
			zap.String("type", d.Type),
			zap.Error(err),
		)
		return
	}

	setID, _ := d.Headers[headerSetID].(string)
	b.dispatcher.Dispatch(channel.Message{SetID: setID, Event: ev})
}

func (b *EventBus) handleAck(d amqp.Delivery) {
	ack, err := channel.DecodeAck(d.Body)
	if err != nil {
		b.logger.Warn("dropping undecodable ack", zap.Error(err))
		return
	}
	if ack.RequestID == "" {
		ack.RequestID = d.CorrelationId
	}

	b.mu.Lock()
	acks, ok := b.pending[ack.RequestID]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("ack for unknown request", zap.String("requestId", ack.RequestID))
		return
	}

	select {
	case acks <- ack:
	default:
	}
}

func (b *EventBus) publishControl(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	ch, err := b.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	return ch.PublishWithContext(ctx, "", routingKey, false, false, msg)
}
