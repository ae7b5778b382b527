package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"gorm.io/gorm"
)

func createRollouts() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_rollouts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RolloutModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_rollouts_status_protocol_created ON rollouts (status, protocol, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_rollouts_correlation_id ON rollouts (correlation_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RolloutModel{})
		},
	}
}
