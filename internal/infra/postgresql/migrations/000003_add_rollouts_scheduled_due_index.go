package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addRolloutsScheduledDueIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_rollouts_scheduled_due_index",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`ALTER TABLE rollouts ADD COLUMN IF NOT EXISTS scheduled_at TIMESTAMPTZ`,
				`CREATE INDEX IF NOT EXISTS idx_rollouts_scheduled_due ON rollouts (scheduled_at) WHERE status = 'ACCEPTED' AND scheduled_at IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_rollouts_scheduled_due`,
			})
		},
	}
}
