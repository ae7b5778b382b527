package domain

import (
	"fmt"
	"strings"
	"time"
)

// RolloutStatus represents the lifecycle state of a rollout.
type RolloutStatus string

const (
	RolloutStatusAccepted       RolloutStatus = "ACCEPTED"
	RolloutStatusQueued         RolloutStatus = "QUEUED"
	RolloutStatusRunning        RolloutStatus = "RUNNING"
	RolloutStatusCompleted      RolloutStatus = "COMPLETED"
	RolloutStatusPartialFailure RolloutStatus = "PARTIAL_FAILURE"
	RolloutStatusFailed         RolloutStatus = "FAILED"
	RolloutStatusCanceled       RolloutStatus = "CANCELED"
)

func (s RolloutStatus) String() string { return string(s) }

func (s RolloutStatus) IsValid() bool {
	switch s {
	case RolloutStatusAccepted, RolloutStatusQueued, RolloutStatusRunning, RolloutStatusCompleted,
		RolloutStatusPartialFailure, RolloutStatusFailed, RolloutStatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further processing happens for the status.
func (s RolloutStatus) IsTerminal() bool {
	switch s {
	case RolloutStatusCompleted, RolloutStatusPartialFailure, RolloutStatusFailed, RolloutStatusCanceled:
		return true
	}
	return false
}

func ParseRolloutStatusFromString(s string) (RolloutStatus, error) {
	st := RolloutStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid rollout status %q", ErrValidation, s)
	}
	return st, nil
}

// Strategy selects how a batch waits for its entities.
type Strategy string

const (
	StrategySubscription Strategy = "SUBSCRIPTION"
	StrategyPolling      Strategy = "POLLING"
)

func (s Strategy) String() string { return string(s) }

func (s Strategy) IsValid() bool {
	switch s {
	case StrategySubscription, StrategyPolling:
		return true
	}
	return false
}

func ParseStrategyFromString(s string) (Strategy, error) {
	st := Strategy(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid strategy %q", ErrValidation, s)
	}
	return st, nil
}

// Outcome is the result of a single batch transition.
type Outcome string

const (
	OutcomeSuccess             Outcome = "SUCCESS"
	OutcomeNothingToDo         Outcome = "NOTHING_TO_DO"
	OutcomeTimeout             Outcome = "TIMEOUT"
	OutcomeSubscriptionFailure Outcome = "SUBSCRIPTION_FAILURE"
)

func (o Outcome) String() string { return string(o) }

// IsFailure reports whether the batch did not reach its condition.
func (o Outcome) IsFailure() bool {
	return o == OutcomeTimeout || o == OutcomeSubscriptionFailure
}

const (
	MaxBatchSize = 500
	maxProtocol  = 255
)

// Rollout switches the production version of a protocol across its fleet.
type Rollout struct {
	ID              string
	CorrelationID   string
	Protocol        string
	TargetVersion   string
	PreviousVersion *string
	BatchSize       int
	Strategy        Strategy
	Status          RolloutStatus
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Error           *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r *Rollout) Validate() error {
	if r.Protocol == "" {
		return fmt.Errorf("%w: protocol is required", ErrValidation)
	}
	if len(r.Protocol) > maxProtocol {
		return fmt.Errorf("%w: protocol exceeds %d characters", ErrValidation, maxProtocol)
	}
	if r.TargetVersion == "" {
		return fmt.Errorf("%w: target version is required", ErrValidation)
	}
	if strings.EqualFold(r.TargetVersion, ProductionVersionAlias) {
		return fmt.Errorf("%w: target version cannot be %q", ErrValidation, ProductionVersionAlias)
	}
	if r.BatchSize < 1 || r.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: batch size must be between 1 and %d", ErrValidation, MaxBatchSize)
	}
	if !r.Strategy.IsValid() {
		return fmt.Errorf("%w: invalid strategy %q", ErrValidation, r.Strategy)
	}
	return nil
}

// ProductionVersionAlias names the version entities follow in production.
const ProductionVersionAlias = "Production"

// Phase is the half of a rollout a batch belongs to.
type Phase string

const (
	PhaseStop  Phase = "STOP"
	PhaseStart Phase = "START"
)

func (p Phase) String() string { return string(p) }

// Condition returns the terminal condition the phase drives entities to.
func (p Phase) Condition() Condition {
	if p == PhaseStart {
		return ConditionStarted
	}
	return ConditionStopped
}

// BatchRecord stores the outcome of one batch of a rollout.
type BatchRecord struct {
	ID            string
	RolloutID     string
	Phase         Phase
	Sequence      int
	CorrelationID string
	EntityCount   int
	Outcome       Outcome
	Pending       []EntityID
	TeardownError *string
	StartedAt     time.Time
	FinishedAt    time.Time
}
