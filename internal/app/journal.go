package app

import (
	"errors"

	"qyu/internal/config"
	"qyu/internal/storage"
	logx "qyu/pkg/logx"
)

// ErrNoJournal is returned by OpenJournal when the config has no storage section.
var ErrNoJournal = errors.New("storage is not configured")

// CheckConfig loads and validates the config at path without starting anything.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenJournal opens the outcome journal configured at path for reading.
// The caller closes the store.
func OpenJournal(path string, log logx.Logger) (storage.Store, error) {
	cfg, err := CheckConfig(path)
	if err != nil {
		return nil, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrNoJournal
	}
	return storage.Open(sc, log)
}
