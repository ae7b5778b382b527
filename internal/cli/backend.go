package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/barrier"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/entityapi"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"github.com/kursadbilgin/rollout-engine/internal/service"
	"go.uber.org/zap"
)

// Options are the connection settings shared by every command.
type Options struct {
	EntityAPIURL        string
	RabbitMQURL         string
	ActionDelay         time.Duration
	PollInterval        time.Duration
	SubscriptionTimeout time.Duration
}

// Backend provides the remote collaborators of a command.
type Backend interface {
	Fleet() service.FleetManager
	Transitioner(ctx context.Context, strategy domain.Strategy) (barrier.Transitioner, error)
	Close() error
}

// BackendFactory opens a Backend for one command invocation.
type BackendFactory func(opts Options, logger *zap.Logger) (Backend, error)

type remoteBackend struct {
	opts   Options
	logger *zap.Logger
	client *entityapi.Client

	mu     sync.Mutex
	rmq    *queue.RabbitMQ
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRemoteBackend talks to the management API over HTTP and, for the
// subscription strategy, to the notification service over RabbitMQ.
func NewRemoteBackend(opts Options, logger *zap.Logger) (Backend, error) {
	if opts.EntityAPIURL == "" {
		return nil, fmt.Errorf("%w: entity api url is required", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := entityapi.NewClient(opts.EntityAPIURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity api client: %w", err)
	}

	return &remoteBackend{opts: opts, logger: logger, client: client}, nil
}

func (b *remoteBackend) Fleet() service.FleetManager {
	return b.client
}

func (b *remoteBackend) Transitioner(ctx context.Context, strategy domain.Strategy) (barrier.Transitioner, error) {
	switch strategy {
	case domain.StrategyPolling:
		poller, err := barrier.NewPollingBarrier(b.client, b.client, b.opts.PollInterval, b.opts.ActionDelay, b.logger.Named("poller"))
		if err != nil {
			return nil, err
		}
		return poller, nil
	case domain.StrategySubscription:
		bus, err := b.eventBus(ctx)
		if err != nil {
			return nil, err
		}
		subscription, err := barrier.NewBarrier(bus, b.client, b.client, barrier.Config{
			RegistrationTimeout: b.opts.SubscriptionTimeout,
			TeardownTimeout:     b.opts.SubscriptionTimeout,
			ActionDelay:         b.opts.ActionDelay,
		}, b.logger.Named("barrier"))
		if err != nil {
			return nil, err
		}
		return subscription, nil
	default:
		return nil, fmt.Errorf("%w: invalid strategy %q", domain.ErrValidation, strategy)
	}
}

// eventBus connects to RabbitMQ and runs the bus until Close.
func (b *remoteBackend) eventBus(ctx context.Context) (*queue.EventBus, error) {
	if b.opts.RabbitMQURL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url is required for the subscription strategy", domain.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rmq != nil {
		return nil, fmt.Errorf("event bus already opened")
	}

	rmq, err := queue.NewRabbitMQ(b.opts.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	bus, err := queue.NewEventBus(rmq, b.logger.Named("eventbus"))
	if err != nil {
		_ = rmq.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := bus.Run(runCtx); err != nil {
			b.logger.Error("event bus stopped", zap.Error(err))
		}
	}()

	b.rmq = rmq
	b.cancel = cancel
	b.done = done
	return bus, nil
}

func (b *remoteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rmq == nil {
		return nil
	}

	b.cancel()
	<-b.done
	err := b.rmq.Close()
	b.rmq = nil
	return err
}
