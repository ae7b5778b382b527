package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

// RolloutModel is the persistence model for the rollouts table.
type RolloutModel struct {
	ID              string               `gorm:"type:uuid;primaryKey"`
	CorrelationID   string               `gorm:"type:varchar(64);not null"`
	Protocol        string               `gorm:"type:varchar(255);not null"`
	TargetVersion   string               `gorm:"type:varchar(64);not null"`
	PreviousVersion *string              `gorm:"type:varchar(64)"`
	BatchSize       int                  `gorm:"not null"`
	Strategy        domain.Strategy      `gorm:"type:varchar(20);not null"`
	Status          domain.RolloutStatus `gorm:"type:varchar(20);not null"`
	ScheduledAt     *time.Time           `gorm:"type:timestamptz"`
	StartedAt       *time.Time           `gorm:"type:timestamptz"`
	FinishedAt      *time.Time           `gorm:"type:timestamptz"`
	Error           *string              `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (RolloutModel) TableName() string {
	return "rollouts"
}

// RolloutBatchModel is the persistence model for rollout_batches. Pending
// entities are stored as a JSON array of host/entity pairs.
type RolloutBatchModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	RolloutID     string         `gorm:"type:uuid;not null"`
	Phase         domain.Phase   `gorm:"type:varchar(10);not null"`
	Sequence      int            `gorm:"not null"`
	CorrelationID string         `gorm:"type:varchar(64);not null"`
	EntityCount   int            `gorm:"not null"`
	Outcome       domain.Outcome `gorm:"type:varchar(30);not null"`
	Pending       string         `gorm:"type:jsonb;not null;default:'[]'"`
	TeardownError *string        `gorm:"type:text"`
	StartedAt     time.Time      `gorm:"type:timestamptz;not null"`
	FinishedAt    time.Time      `gorm:"type:timestamptz;not null"`
}

func (RolloutBatchModel) TableName() string {
	return "rollout_batches"
}

func rolloutModelFromDomain(r *domain.Rollout) *RolloutModel {
	if r == nil {
		return nil
	}

	return &RolloutModel{
		ID:              r.ID,
		CorrelationID:   r.CorrelationID,
		Protocol:        r.Protocol,
		TargetVersion:   r.TargetVersion,
		PreviousVersion: r.PreviousVersion,
		BatchSize:       r.BatchSize,
		Strategy:        r.Strategy,
		Status:          r.Status,
		ScheduledAt:     r.ScheduledAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func rolloutModelToDomain(m *RolloutModel) *domain.Rollout {
	if m == nil {
		return nil
	}

	return &domain.Rollout{
		ID:              m.ID,
		CorrelationID:   m.CorrelationID,
		Protocol:        m.Protocol,
		TargetVersion:   m.TargetVersion,
		PreviousVersion: m.PreviousVersion,
		BatchSize:       m.BatchSize,
		Strategy:        m.Strategy,
		Status:          m.Status,
		ScheduledAt:     m.ScheduledAt,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		Error:           m.Error,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func batchModelFromDomain(b *domain.BatchRecord) (*RolloutBatchModel, error) {
	if b == nil {
		return nil, nil
	}

	pending, err := encodePending(b.Pending)
	if err != nil {
		return nil, err
	}

	return &RolloutBatchModel{
		ID:            b.ID,
		RolloutID:     b.RolloutID,
		Phase:         b.Phase,
		Sequence:      b.Sequence,
		CorrelationID: b.CorrelationID,
		EntityCount:   b.EntityCount,
		Outcome:       b.Outcome,
		Pending:       pending,
		TeardownError: b.TeardownError,
		StartedAt:     b.StartedAt,
		FinishedAt:    b.FinishedAt,
	}, nil
}

func batchModelToDomain(m *RolloutBatchModel) (*domain.BatchRecord, error) {
	if m == nil {
		return nil, nil
	}

	pending, err := decodePending(m.Pending)
	if err != nil {
		return nil, err
	}

	return &domain.BatchRecord{
		ID:            m.ID,
		RolloutID:     m.RolloutID,
		Phase:         m.Phase,
		Sequence:      m.Sequence,
		CorrelationID: m.CorrelationID,
		EntityCount:   m.EntityCount,
		Outcome:       m.Outcome,
		Pending:       pending,
		TeardownError: m.TeardownError,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}, nil
}

func encodePending(ids []domain.EntityID) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode pending entities: %w", err)
	}
	return string(data), nil
}

func decodePending(raw string) ([]domain.EntityID, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var ids []domain.EntityID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode pending entities: %w", err)
	}
	return ids, nil
}
