package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/convoshq/agentpool/internal/store"
	pg "github.com/convoshq/agentpool/internal/store/postgres"
	sq "github.com/convoshq/agentpool/internal/store/sqlite"
)

// New builds a store from config. Type defaults to sqlite when a path is set.
func New(cfg store.Config) (store.Store, error) {
	t := strings.ToLower(strings.TrimSpace(cfg.Type))
	switch t {
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, errors.New("sqlite store requires path")
		}
		return sq.New(cfg.Path)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires dsn")
		}
		return pg.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	// default to sqlite path
	return sq.New(d)
}
