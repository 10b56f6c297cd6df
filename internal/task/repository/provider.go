package repository

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// Provide builds the configured task view backend.
func Provide(cfg *config.Config, log *logger.Logger) (Repository, func() error, error) {
	switch cfg.Storage.TaskViewBackend {
	case "sqlite":
		repo, err := NewSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize sqlite task views: %w", err)
		}
		log.WithComponent("task.repository").Info("task view store ready",
			zap.String("backend", "sqlite"),
			zap.String("path", cfg.Storage.SQLitePath))
		return repo, repo.Close, nil
	default:
		repo := NewMemory()
		return repo, repo.Close, nil
	}
}
