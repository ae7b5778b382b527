package cli

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/barrier"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type transitionKind struct {
	use       string
	short     string
	condition domain.Condition
}

var (
	transitionStart = transitionKind{use: "start", short: "Start entities and wait until they are active", condition: domain.ConditionStarted}
	transitionStop  = transitionKind{use: "stop", short: "Stop entities and wait until they are stopped", condition: domain.ConditionStopped}
)

func newTransitionCmd(env *environment, kind transitionKind) *cobra.Command {
	var (
		rawEntities []string
		strategy    string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:     kind.use,
		Short:   kind.short,
		Example: fmt.Sprintf(`  rolloutctl %s --entity 12/3 --entity 12/4 --timeout 2m`, kind.use),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTransition(cmd, env, kind.condition, rawEntities, strategy, timeout)
		},
	}

	cmd.Flags().StringArrayVar(&rawEntities, "entity", nil, "entity as host/id, repeatable")
	cmd.Flags().StringVar(&strategy, "strategy", domain.StrategySubscription.String(), "wait strategy (subscription, polling)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for the batch")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runTransition(
	cmd *cobra.Command,
	env *environment,
	condition domain.Condition,
	rawEntities []string,
	rawStrategy string,
	timeout time.Duration,
) error {
	strategy, err := domain.ParseStrategyFromString(rawStrategy)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", domain.ErrValidation)
	}

	entities := make([]domain.EntityID, 0, len(rawEntities))
	for _, raw := range rawEntities {
		id, err := domain.ParseEntityID(raw)
		if err != nil {
			return err
		}
		entities = append(entities, id)
	}

	backend, err := env.open()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			env.logger.Warn("failed to close backend", zap.Error(closeErr))
		}
	}()

	transitioner, err := backend.Transitioner(cmd.Context(), strategy)
	if err != nil {
		return err
	}

	now := time.Now()
	correlationID := barrier.NewCorrelationID(now)
	ctx := observability.WithCorrelationID(cmd.Context(), correlationID)

	result, err := transitioner.Transition(ctx, barrier.Request{
		Entities:      entities,
		Condition:     condition,
		CorrelationID: correlationID,
		Deadline:      now.Add(timeout),
	})
	if err != nil {
		return err
	}

	cmd.Printf("correlation: %s\n", result.CorrelationID)
	cmd.Printf("outcome: %s (%d actions, %s)\n", result.Outcome, result.ActionsIssued, result.Duration.Round(time.Millisecond))
	if len(result.Pending) > 0 {
		cmd.Printf("pending: %s\n", joinEntities(result.Pending))
	}
	if len(result.FailedActions) > 0 {
		cmd.Printf("failed actions: %s\n", joinEntities(result.FailedActions))
	}
	if result.TeardownErr != nil {
		cmd.Printf("teardown: %v\n", result.TeardownErr)
	}

	if !result.Succeeded() {
		if result.Err != nil {
			return fmt.Errorf("batch ended with %s: %w", result.Outcome, result.Err)
		}
		return fmt.Errorf("batch ended with %s", result.Outcome)
	}
	return nil
}
