package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "qyu/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

// check reports why the store cannot be used, if it cannot.
func (s *sqliteStore) check() error {
	switch {
	case s == nil || s.db == nil:
		return ErrDisabled
	case s.closed.Load():
		return ErrClosed
	}
	return nil
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("journal opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if err := s.check(); err != nil {
		return err
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, job_id, priority, ok, err, took_ms, stale) VALUES(?,?,?,?,?,?,?)`,
		o.At.UTC().Format(time.RFC3339Nano), o.JobID, o.Priority, boolInt(o.OK), nullStr(o.Error), o.TookMS, boolInt(o.Stale),
	)
	return err
}

func (s *sqliteStore) AppendWindow(ctx context.Context, w Window) error {
	if err := s.check(); err != nil {
		return err
	}
	if w.At.IsZero() {
		w.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO windows(at, processed, interval_ms) VALUES(?,?,?)`,
		w.At.UTC().Format(time.RFC3339Nano), w.Processed, w.IntervalMS,
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, job_id, priority, ok, err, took_ms, stale FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Outcome, 0, limit)
	for rows.Next() {
		var (
			o         Outcome
			at        string
			ok, stale int
			errText   sql.NullString
		)
		if err := rows.Scan(&at, &o.JobID, &o.Priority, &ok, &errText, &o.TookMS, &stale); err != nil {
			return nil, err
		}
		if o.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("outcome %s: bad timestamp %q: %w", o.JobID, at, err)
		}
		o.OK, o.Stale, o.Error = ok != 0, stale != 0, errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Totals(ctx context.Context) (Totals, error) {
	if err := s.check(); err != nil {
		return Totals{}, err
	}
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(ok), 0), COALESCE(SUM(1 - ok), 0), COALESCE(SUM(stale), 0) FROM outcomes`,
	).Scan(&t.Succeeded, &t.Failed, &t.Stale)
	if err != nil {
		return Totals{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(processed), 0) FROM windows`,
	).Scan(&t.Windows, &t.Processed)
	if err != nil {
		return Totals{}, err
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
