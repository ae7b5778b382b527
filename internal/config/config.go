package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

type Config struct {
	DatabaseDSN  string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL  string `env:"RABBITMQ_URL,required=true"`
	RedisURL     string `env:"REDIS_URL,required=true"`
	EntityAPIURL string `env:"ENTITY_API_URL,required=true"`

	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=4"`
	ActionRatePerSec  int    `env:"ACTION_RATE_PER_SEC,default=10"`
	DBMaxOpenConns    int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int    `env:"DB_MAX_IDLE_CONNS,default=5"`

	ActionDelay         time.Duration `env:"ACTION_DELAY,default=100ms"`
	BatchDelay          time.Duration `env:"BATCH_DELAY,default=5s"`
	BatchTimeout        time.Duration `env:"BATCH_TIMEOUT,default=60s"`
	SubscriptionTimeout time.Duration `env:"SUBSCRIPTION_TIMEOUT,default=30s"`
	PollInterval        time.Duration `env:"POLL_INTERVAL,default=5s"`
	VersionSwitchDelay  time.Duration `env:"VERSION_SWITCH_DELAY,default=1s"`
	SchedulerInterval   time.Duration `env:"SCHEDULER_INTERVAL,default=10s"`
	RolloutLockTTL      time.Duration `env:"ROLLOUT_LOCK_TTL,default=2h"`

	DefaultStrategy string `env:"DEFAULT_STRATEGY,default=SUBSCRIPTION"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Strategy returns the parsed default strategy.
func (c *Config) Strategy() domain.Strategy {
	s, err := domain.ParseStrategyFromString(c.DefaultStrategy)
	if err != nil {
		return domain.StrategySubscription
	}
	return s
}

func (c *Config) validate() error {
	if _, err := domain.ParseStrategyFromString(c.DefaultStrategy); err != nil {
		return err
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("%w: WORKER_CONCURRENCY must be positive", domain.ErrValidation)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("%w: BATCH_TIMEOUT must be positive", domain.ErrValidation)
	}
	return nil
}
