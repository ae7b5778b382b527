package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status   *domain.RolloutStatus
	Protocol *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type RolloutRepository interface {
	Create(ctx context.Context, r *domain.Rollout) error
	GetByID(ctx context.Context, id string) (*domain.Rollout, error)
	List(ctx context.Context, params ListParams) ([]domain.Rollout, int64, error)
	UpdateStatus(ctx context.Context, id string, status domain.RolloutStatus) error
	MarkQueuedIfAccepted(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) error
	LockForRunning(ctx context.Context, id string) (*domain.Rollout, error)
	Requeue(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, result RolloutResult) error
	GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Rollout, error)
}

// RolloutResult is the final state written when a rollout ends.
type RolloutResult struct {
	Status          domain.RolloutStatus
	PreviousVersion *string
	Error           *string
	FinishedAt      time.Time
}

var _ RolloutRepository = (*GormRolloutRepo)(nil)

type GormRolloutRepo struct {
	db *gorm.DB
}

func NewGormRolloutRepo(db *gorm.DB) *GormRolloutRepo {
	return &GormRolloutRepo{db: db}
}

func (r *GormRolloutRepo) Create(ctx context.Context, rollout *domain.Rollout) error {
	model := rolloutModelFromDomain(rollout)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if rollout != nil {
		*rollout = *rolloutModelToDomain(model)
	}
	return nil
}

func (r *GormRolloutRepo) GetByID(ctx context.Context, id string) (*domain.Rollout, error) {
	var model RolloutModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rolloutModelToDomain(&model), nil
}

func (r *GormRolloutRepo) List(ctx context.Context, params ListParams) ([]domain.Rollout, int64, error) {
	query := r.db.WithContext(ctx).Model(&RolloutModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Protocol != nil {
		query = query.Where("protocol = ?", *params.Protocol)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []RolloutModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	rollouts := make([]domain.Rollout, 0, len(models))
	for i := range models {
		rollouts = append(rollouts, *rolloutModelToDomain(&models[i]))
	}

	return rollouts, total, nil
}

func (r *GormRolloutRepo) UpdateStatus(ctx context.Context, id string, status domain.RolloutStatus) error {
	result := r.db.WithContext(ctx).
		Model(&RolloutModel{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkQueuedIfAccepted moves an ACCEPTED rollout to QUEUED. It reports false
// when a worker already picked the rollout up or it was canceled.
func (r *GormRolloutRepo) MarkQueuedIfAccepted(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&RolloutModel{}).
		Where("id = ? AND status = ?", id, domain.RolloutStatusAccepted).
		Update("status", domain.RolloutStatusQueued)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Cancel only succeeds while the rollout has not started.
func (r *GormRolloutRepo) Cancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&RolloutModel{}).
		Where("id = ? AND status IN ?", id, []domain.RolloutStatus{domain.RolloutStatusAccepted, domain.RolloutStatusQueued}).
		Updates(map[string]any{
			"status":      domain.RolloutStatusCanceled,
			"finished_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// LockForRunning moves a rollout to RUNNING under a row lock. It returns
// nil, nil when the rollout is already running or finished, so a redelivered
// job is dropped.
func (r *GormRolloutRepo) LockForRunning(ctx context.Context, id string) (*domain.Rollout, error) {
	var locked *domain.Rollout

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RolloutModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if model.Status.IsTerminal() || model.Status == domain.RolloutStatusRunning {
			return nil
		}

		now := time.Now().UTC()
		model.Status = domain.RolloutStatusRunning
		model.StartedAt = &now
		if err := tx.Model(&model).Updates(map[string]any{
			"status":     domain.RolloutStatusRunning,
			"started_at": now,
		}).Error; err != nil {
			return err
		}

		locked = rolloutModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// Requeue returns a RUNNING rollout to QUEUED, e.g. when another rollout of
// the same protocol holds the lock.
func (r *GormRolloutRepo) Requeue(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&RolloutModel{}).
		Where("id = ? AND status = ?", id, domain.RolloutStatusRunning).
		Updates(map[string]any{
			"status":     domain.RolloutStatusQueued,
			"started_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRolloutRepo) Finish(ctx context.Context, id string, res RolloutResult) error {
	result := r.db.WithContext(ctx).
		Model(&RolloutModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           res.Status,
			"previous_version": res.PreviousVersion,
			"error":            res.Error,
			"finished_at":      res.FinishedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRolloutRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Rollout, error) {
	var models []RolloutModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.RolloutStatusAccepted, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	rollouts := make([]domain.Rollout, 0, len(models))
	for i := range models {
		rollouts = append(rollouts, *rolloutModelToDomain(&models[i]))
	}
	return rollouts, nil
}
