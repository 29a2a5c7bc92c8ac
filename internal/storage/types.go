package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome records one settled job.
type Outcome struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	Priority int       `json:"priority"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	Stale    bool      `json:"stale,omitempty"`
}

// Window records one stats window.
type Window struct {
	At         time.Time `json:"at"`
	Processed  int       `json:"processed"`
	IntervalMS int64     `json:"interval_ms"`
}

// Totals aggregates the whole journal.
type Totals struct {
	Succeeded int64
	Failed    int64
	Stale     int64
	Windows   int64
	Processed int64
}
