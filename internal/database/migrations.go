package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropOrphanLikes       = "2026-10-01_drop_orphan_comment_likes"
	migrationReconcileLikeCounters = "2026-10-01_reconcile_comment_like_counts"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanLikes, apply: dropOrphanLikes},
		{name: migrationReconcileLikeCounters, apply: reconcileLikeCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanLikes removes like rows whose comment no longer exists.
func dropOrphanLikes(db *gorm.DB) error {
	return db.Exec("DELETE FROM comment_likes WHERE comment_id NOT IN (SELECT comment_id FROM comments)").Error
}

// reconcileLikeCounters rewrites every num_likes from the like rows.
func reconcileLikeCounters(db *gorm.DB) error {
	return db.Exec(`UPDATE comments SET num_likes = (
		SELECT COUNT(*) FROM comment_likes WHERE comment_likes.comment_id = comments.comment_id
	)`).Error
}
