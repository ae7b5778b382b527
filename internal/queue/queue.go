package queue

import (
	"context"
	"fmt"
)

// Publisher publishes rollout jobs to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg RolloutMessage) error
	Close() error
}

// MessageHandler handles a consumed rollout job.
type MessageHandler func(ctx context.Context, msg RolloutMessage) error

// Consumer consumes rollout jobs from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// RolloutQueue carries rollout jobs to workers.
	RolloutQueue = "rollouts"
	// SubscriptionControlQueue receives filter register and clear requests
	// for the entity notification service.
	SubscriptionControlQueue = "entity.subscriptions"

	dlqPrefix = "dlq."
)

// DLQName returns the dead-letter queue of a work queue, e.g. dlq.rollouts.
func DLQName(queue string) string {
	return fmt.Sprintf("%s%s", dlqPrefix, queue)
}

// WorkQueueNames returns the durable queues declared with a dead-letter queue.
func WorkQueueNames() []string {
	return []string{RolloutQueue}
}

// DLQNames returns the dead-letter queues of WorkQueueNames.
func DLQNames() []string {
	work := WorkQueueNames()
	queues := make([]string, 0, len(work))
	for _, name := range work {
		queues = append(queues, DLQName(name))
	}
	return queues
}
