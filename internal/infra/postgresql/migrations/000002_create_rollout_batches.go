package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"gorm.io/gorm"
)

func createRolloutBatches() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_rollout_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RolloutBatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_rollout_batches_rollout_id ON rollout_batches (rollout_id, started_at)`,
				`CREATE INDEX IF NOT EXISTS idx_rollout_batches_correlation_id ON rollout_batches (correlation_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RolloutBatchModel{})
		},
	}
}
