package cli

import (
	"os"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCmd creates the rolloutctl command backed by the remote services
// named by the ENTITY_API_URL and RABBITMQ_URL environment variables.
func NewRootCmd() *cobra.Command {
	return NewRootCmdWithBackend(NewRemoteBackend, nil)
}

// NewRootCmdWithBackend creates the root command with an explicit backend
// factory. A nil logger is built from the --log-level flag.
func NewRootCmdWithBackend(factory BackendFactory, logger *zap.Logger) *cobra.Command {
	var (
		opts     Options
		logLevel string
	)
	env := &environment{factory: factory, opts: &opts, logger: logger}

	cmd := &cobra.Command{
		Use:          "rolloutctl",
		Short:        "Drive entity fleets through stop, version switch and start",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if env.logger != nil {
				return nil
			}
			built, err := observability.NewLogger(logLevel)
			if err != nil {
				return err
			}
			env.logger = built
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			_ = env.logger.Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.EntityAPIURL, "entity-api", os.Getenv("ENTITY_API_URL"), "management API base url")
	flags.StringVar(&opts.RabbitMQURL, "rabbitmq-url", os.Getenv("RABBITMQ_URL"), "notification broker url, required by the subscription strategy")
	flags.DurationVar(&opts.ActionDelay, "action-delay", 100*time.Millisecond, "pause between consecutive actions")
	flags.DurationVar(&opts.PollInterval, "poll-interval", 5*time.Second, "state query interval of the polling strategy")
	flags.DurationVar(&opts.SubscriptionTimeout, "subscription-timeout", 30*time.Second, "budget for installing and removing notification filters")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(env),
		newTransitionCmd(env, transitionStart),
		newTransitionCmd(env, transitionStop),
	)

	return cmd
}

// environment carries the state shared by subcommands once flags are parsed.
type environment struct {
	factory BackendFactory
	opts    *Options
	logger  *zap.Logger
}

func (e *environment) open() (Backend, error) {
	return e.factory(*e.opts, e.logger)
}
