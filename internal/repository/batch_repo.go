package repository

import (
	"context"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"gorm.io/gorm"
)

type BatchRepository interface {
	Create(ctx context.Context, b *domain.BatchRecord) error
	ListByRollout(ctx context.Context, rolloutID string) ([]domain.BatchRecord, error)
}

var _ BatchRepository = (*GormBatchRepo)(nil)

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.BatchRecord) error {
	model, err := batchModelFromDomain(b)
	if err != nil {
		return err
	}
	if model == nil {
		return nil
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// ListByRollout returns the batches of a rollout, stop phase first, in
// execution order.
func (r *GormBatchRepo) ListByRollout(ctx context.Context, rolloutID string) ([]domain.BatchRecord, error) {
	var models []RolloutBatchModel
	err := r.db.WithContext(ctx).
		Where("rollout_id = ?", rolloutID).
		Order("started_at ASC, sequence ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.BatchRecord, 0, len(models))
	for i := range models {
		record, err := batchModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}
