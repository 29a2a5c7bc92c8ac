package storage

import (
	"context"
	"errors"
	"strings"

	logx "qyu/pkg/logx"
)

// Store is the journal API used by the notification recorder and the
// history command. Implementations are safe for concurrent use.
type Store interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	AppendWindow(ctx context.Context, w Window) error
	// RecentOutcomes returns at most limit outcomes, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Totals(ctx context.Context) (Totals, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
