// Package capture implements schemas.CaptureSource over the screen capture
// producer: the screenpipe HTTP search API or its local SQLite database.
package capture

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// Source is a CaptureSource that holds releasable resources.
type Source interface {
	schemas.CaptureSource
	Close() error
}

// New selects the source named by cfg.Source.
func New(cfg config.CaptureConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Source {
	case config.CaptureSourceHTTP, "":
		return NewScreenpipeSource(cfg, logger), nil
	case config.CaptureSourceSQLite:
		src, err := OpenSQLiteSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}
