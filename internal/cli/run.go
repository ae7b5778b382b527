package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rollout-engine/internal/barrier"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrRolloutIncomplete is returned when a rollout finished but some batches
// did not reach their condition.
var ErrRolloutIncomplete = errors.New("rollout finished with failed batches")

type runOptions struct {
	protocol           string
	version            string
	batchSize          int
	strategy           string
	batchDelay         time.Duration
	batchTimeout       time.Duration
	versionSwitchDelay time.Duration
}

func newRunCmd(env *environment) *cobra.Command {
	var ro runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Switch the production version of a protocol across its fleet",
		Long: `Stops every active entity running the production version of the protocol
in batches, switches the production version, then starts the same batches.
No rollout record is stored.`,
		Example: `  # Roll a protocol to a new version, 20 entities at a time
  rolloutctl run --protocol "Generic Meter" --version 1.0.0.2 --batch-size 20

  # Use state polling instead of notification subscriptions
  rolloutctl run --protocol "Generic Meter" --version 1.0.0.2 --strategy polling`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRollout(cmd, env, ro)
		},
	}

	cmd.Flags().StringVar(&ro.protocol, "protocol", "", "protocol whose fleet is rolled")
	cmd.Flags().StringVar(&ro.version, "version", "", "version that becomes production")
	cmd.Flags().IntVar(&ro.batchSize, "batch-size", service.DefaultBatchSize, "entities per batch")
	cmd.Flags().StringVar(&ro.strategy, "strategy", domain.StrategySubscription.String(), "wait strategy (subscription, polling)")
	cmd.Flags().DurationVar(&ro.batchDelay, "batch-delay", 5*time.Second, "pause between batches")
	cmd.Flags().DurationVar(&ro.batchTimeout, "batch-timeout", 60*time.Second, "deadline of each batch")
	cmd.Flags().DurationVar(&ro.versionSwitchDelay, "version-switch-delay", time.Second, "pause before and after the version switch")
	_ = cmd.MarkFlagRequired("protocol")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func runRollout(cmd *cobra.Command, env *environment, ro runOptions) error {
	strategy, err := domain.ParseStrategyFromString(ro.strategy)
	if err != nil {
		return err
	}

	rollout := domain.Rollout{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Protocol:      strings.TrimSpace(ro.protocol),
		TargetVersion: strings.TrimSpace(ro.version),
		BatchSize:     ro.batchSize,
		Strategy:      strategy,
		Status:        domain.RolloutStatusRunning,
	}
	if err := rollout.Validate(); err != nil {
		return err
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

	executor, err := service.NewExecutor(
		backend.Fleet(),
		map[domain.Strategy]barrier.Transitioner{strategy: transitioner},
		nil,
		service.ExecutorConfig{
			BatchDelay:         ro.batchDelay,
			BatchTimeout:       ro.batchTimeout,
			VersionSwitchDelay: ro.versionSwitchDelay,
		},
		env.logger,
	)
	if err != nil {
		return err
	}

	cmd.Printf("rollout %s: %s -> %s (%s, batch size %d)\n",
		rollout.CorrelationID, rollout.Protocol, rollout.TargetVersion, strategy, rollout.BatchSize)

	report, execErr := executor.Execute(cmd.Context(), rollout)
	printReport(cmd, report)
	if execErr != nil {
		return execErr
	}
	if report.Status == domain.RolloutStatusPartialFailure {
		return fmt.Errorf("%w: %d of %d", ErrRolloutIncomplete, report.FailedBatches(), len(report.Batches))
	}
	return nil
}

func printReport(cmd *cobra.Command, report *service.RolloutReport) {
	if report == nil {
		return
	}

	for _, b := range report.Batches {
		cmd.Printf("%-5s %3d  %-20s entities=%d pending=%d\n",
			b.Phase, b.Sequence, b.Outcome, b.EntityCount, len(b.Pending))
		if len(b.Pending) > 0 {
			cmd.Printf("      pending: %s\n", joinEntities(b.Pending))
		}
		if b.TeardownError != nil {
			cmd.Printf("      teardown: %s\n", *b.TeardownError)
		}
	}

	previous := report.PreviousVersion
	if previous == "" {
		previous = "unknown"
	}
	cmd.Printf("status: %s (previous version %s, %d entities, %d failed batches)\n",
		report.Status, previous, report.Entities, report.FailedBatches())
}

func joinEntities(ids []domain.EntityID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ", ")
}
