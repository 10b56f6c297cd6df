package uibus

import (
	"fmt"
	"strings"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// Provide builds the configured UI bus implementation: NATS when a URL is
// set, in-memory otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (Bus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS ui bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}
	memBus := NewMemoryBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
