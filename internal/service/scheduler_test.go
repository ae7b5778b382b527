package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"go.uber.org/zap"
)

func TestNewSchedulerAppliesDefaults(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler(&fakeRolloutRepo{}, &fakePublisher{}, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if scheduler.interval != defaultSchedulerScanInterval {
		t.Fatalf("interval = %s, want %s", scheduler.interval, defaultSchedulerScanInterval)
	}
	if scheduler.limit != defaultSchedulerScanLimit {
		t.Fatalf("limit = %d, want %d", scheduler.limit, defaultSchedulerScanLimit)
	}
}

func TestSchedulerScanDuePublishesAndMarksQueued(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	marked := make([]string, 0, 2)
	repo := &fakeRolloutRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.Rollout, error) {
			if limit != 20 {
				t.Fatalf("limit = %d, want 20", limit)
			}
			if !at.Equal(now) {
				t.Fatalf("now = %s, want %s", at, now)
			}
			return []domain.Rollout{
				{ID: "r1", CorrelationID: "c-1", Protocol: "Meter A"},
				{ID: "r2", CorrelationID: "c-2", Protocol: "Meter B"},
			}, nil
		},
		markQueuedIfAcceptedFn: func(ctx context.Context, id string) (bool, error) {
			marked = append(marked, id)
			return true, nil
		},
	}

	published := make([]string, 0, 2)
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.RolloutMessage) error {
			published = append(published, queueName+":"+msg.RolloutID+":"+msg.Protocol)
			return nil
		},
	}

	scheduler, err := NewScheduler(repo, publisher, 5*time.Second, 20, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	scheduler.now = func() time.Time { return now }

	if err := scheduler.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if len(published) != 2 {
		t.Fatalf("published count = %d, want 2", len(published))
	}
	if published[0] != "rollouts:r1:Meter A" {
		t.Fatalf("first published = %s, want rollouts:r1:Meter A", published[0])
	}
	if published[1] != "rollouts:r2:Meter B" {
		t.Fatalf("second published = %s, want rollouts:r2:Meter B", published[1])
	}
	if len(marked) != 2 {
		t.Fatalf("markQueuedIfAccepted count = %d, want 2", len(marked))
	}
}

func TestSchedulerScanDueContinuesOnPublishError(t *testing.T) {
	t.Parallel()

	marked := 0
	repo := &fakeRolloutRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.Rollout, error) {
			return []domain.Rollout{
				{ID: "r1", Protocol: "Meter A"},
				{ID: "r2", Protocol: "Meter B"},
			}, nil
		},
		markQueuedIfAcceptedFn: func(ctx context.Context, id string) (bool, error) {
			marked++
			return true, nil
		},
	}

	calls := 0
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.RolloutMessage) error {
			calls++
			if msg.RolloutID == "r1" {
				return errors.New("publish failed")
			}
			return nil
		},
	}

	scheduler, err := NewScheduler(repo, publisher, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if calls != 2 {
		t.Fatalf("publish calls = %d, want 2", calls)
	}
	if marked != 1 {
		t.Fatalf("marked count = %d, want 1", marked)
	}
}

func TestSchedulerScanDueEnqueuesOnePerProtocol(t *testing.T) {
	t.Parallel()

	repo := &fakeRolloutRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.Rollout, error) {
			return []domain.Rollout{
				{ID: "r1", Protocol: "Meter"},
				{ID: "r2", Protocol: "Thermostat"},
				{ID: "r3", Protocol: "Meter"},
			}, nil
		},
		markQueuedIfAcceptedFn: func(ctx context.Context, id string) (bool, error) {
			return true, nil
		},
	}

	var published []string
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.RolloutMessage) error {
			published = append(published, msg.RolloutID)
			return nil
		},
	}

	scheduler, err := NewScheduler(repo, publisher, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.scanDue(context.Background()); err != nil {
		t.Fatalf("scanDue() error = %v", err)
	}

	if len(published) != 2 || published[0] != "r1" || published[1] != "r2" {
		t.Fatalf("published = %v, want [r1 r2]", published)
	}
}

func TestSchedulerScanDueRepositoryError(t *testing.T) {
	t.Parallel()

	repo := &fakeRolloutRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.Rollout, error) {
			return nil, errors.New("db unavailable")
		},
	}

	scheduler, err := NewScheduler(repo, &fakePublisher{}, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.scanDue(context.Background()); err == nil {
		t.Fatal("expected scanDue() error")
	}
}

func TestSchedulerStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scheduler, err := NewScheduler(&fakeRolloutRepo{}, &fakePublisher{}, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
