package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "qyu/pkg/logx"
)

// fileStore is an append-only JSON Lines backend.
//
// Files:
//   - <prefix>.outcomes.jsonl
//   - <prefix>.windows.jsonl
//
// Totals are replayed once on open and kept in memory afterwards.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomesPath string
	outcomesFile *os.File
	windowsFile  *os.File

	totals Totals
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, outcomesPath: prefix + ".outcomes.jsonl"}
	windowsPath := prefix + ".windows.jsonl"

	skipped, err := replay(s.outcomesPath, func(o Outcome) { s.totals.add(o) })
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	wskipped, err := replay(windowsPath, func(w Window) {
		s.totals.Windows++
		s.totals.Processed += int64(w.Processed)
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped+wskipped > 0 {
		log.Warn("skipped malformed journal lines", logx.Int("count", skipped+wskipped))
	}

	if s.outcomesFile, err = os.OpenFile(s.outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.windowsFile, err = os.OpenFile(windowsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.outcomesFile.Close()
		return nil, err
	}
	log.Debug("journal opened", logx.String("prefix", prefix),
		logx.Int64("succeeded", s.totals.Succeeded),
		logx.Int64("failed", s.totals.Failed))
	return s, nil
}

func (t *Totals) add(o Outcome) {
	if o.OK {
		t.Succeeded++
	} else {
		t.Failed++
	}
	if o.Stale {
		t.Stale++
	}
}

// replay decodes every line of path into fn and returns how many lines
// could not be decoded.
func replay[T any](path string, fn func(T)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			skipped++
			continue
		}
		fn(v)
	}
	return skipped, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.outcomesFile != nil {
		errs = append(errs, s.outcomesFile.Close())
		s.outcomesFile = nil
	}
	if s.windowsFile != nil {
		errs = append(errs, s.windowsFile.Close())
		s.windowsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.outcomesFile).Encode(o); err != nil {
		return err
	}
	s.totals.add(o)
	return nil
}

func (s *fileStore) AppendWindow(ctx context.Context, w Window) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.windowsFile).Encode(w); err != nil {
		return err
	}
	s.totals.Windows++
	s.totals.Processed += int64(w.Processed)
	return nil
}

// RecentOutcomes rescans the outcomes file keeping a ring of the last
// limit records.
func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return nil, ErrClosed
	}

	ring := make([]Outcome, 0, limit)
	next := 0
	_, err := replay(s.outcomesPath, func(o Outcome) {
		if len(ring) < limit {
			ring = append(ring, o)
			return
		}
		ring[next] = o
		next = (next + 1) % limit
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Outcome, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) Totals(ctx context.Context) (Totals, error) {
	if err := ctx.Err(); err != nil {
		return Totals{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return Totals{}, ErrClosed
	}
	return s.totals, nil
}
