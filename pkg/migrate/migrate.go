// Package migrate creates and updates the database schema of every store.
package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/links"
	"github.com/kubeflow/publishing-api/pkg/queue"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

// Migrator is implemented by every store.
type Migrator interface {
	AutoMigrate() error
}

// Step is one store's migration.
type Step struct {
	Name     string
	Migrator Migrator
}

// Steps returns the migration of every store, in dependency order.
func Steps(db *gorm.DB) []Step {
	return []Step{
		{"versions", versioning.NewLedger(db)},
		{"content", content.NewItemStore(db)},
		{"reservations", content.NewReservationStore(db)},
		{"links", links.NewStore(db)},
		{"tasks", queue.NewStore(db)},
	}
}

// Run migrates every store while holding the migration lock.
func Run(ctx context.Context, db *gorm.DB, cfg *Config, logger *slog.Logger) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	locker, err := NewLocker(db, cfg)
	if err != nil {
		return err
	}
	steps := Steps(db)
	return locker.WithLock(ctx, func() error {
		for _, step := range steps {
			if err := step.Migrator.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate %s: %w", step.Name, err)
			}
			logger.Debug("migrated store", "store", step.Name)
		}
		logger.Info("database schema up to date", "stores", len(steps), "holder", cfg.Holder)
		return nil
	})
}
