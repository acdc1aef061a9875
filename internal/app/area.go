package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tabsync/internal/storage"
)

const pingTimeout = 2 * time.Second

// Area opens tab handles on the configured shared storage backend.
// It owns the backend resources (pool, database file) and every handle it hands out.
type Area struct {
	kind      string
	namespace string
	log       *slog.Logger

	mem  *storage.Memory
	pool *pgxpool.Pool
	db   *sql.DB

	sqlitePoll time.Duration
	schema     string

	mu      sync.Mutex
	handles []io.Closer
	closed  bool
}

// OpenArea connects the backend selected by cfg.Storage.
func OpenArea(ctx context.Context, cfg Config, log *slog.Logger) (*Area, error) {
	a := &Area{
		kind:       cfg.Storage,
		namespace:  cfg.Namespace,
		log:        log,
		sqlitePoll: cfg.SQLitePollInterval,
		schema:     cfg.DBSchema,
	}

	switch cfg.Storage {
	case StorageMemory:
		a.mem = storage.NewMemory()
		log.Info("storage.open", "backend", StorageMemory)

	case StoragePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: postgres: %w", err)
		}
		a.pool = pool
		probe, err := a.postgresHandle()
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := probe.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("storage.open", "backend", StoragePostgres, "schema", cfg.DBSchema)

	case StorageSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("storage: sqlite: %w", err)
		}
		a.db = db
		log.Info("storage.open", "backend", StorageSQLite, "path", cfg.SQLitePath)

	default:
		return nil, fmt.Errorf("%w: unknown storage %q", ErrConfig, cfg.Storage)
	}
	return a, nil
}

// Kind names the backend.
func (a *Area) Kind() string { return a.kind }

// Handle attaches a new tab handle. Handles are closed with the area.
func (a *Area) Handle() (storage.Storage, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, storage.ErrUnavailable
	}

	var (
		h   storage.Storage
		c   io.Closer
		err error
	)
	switch {
	case a.mem != nil:
		mh := a.mem.Handle()
		h, c = mh, mh
	case a.pool != nil:
		var ph *storage.Postgres
		ph, err = a.postgresHandle()
		h, c = ph, ph
	case a.db != nil:
		var sh *storage.SQLite
		sh, err = storage.NewSQLite(a.db, a.namespace,
			storage.WithPollInterval(a.sqlitePoll),
			storage.WithSQLiteLogger(a.log),
		)
		h, c = sh, sh
	default:
		err = storage.ErrUnavailable
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.handles = append(a.handles, c)
	a.mu.Unlock()
	return h, nil
}

func (a *Area) postgresHandle() (*storage.Postgres, error) {
	return storage.NewPostgres(a.pool, a.namespace,
		storage.WithSchema(a.schema),
		storage.WithPostgresLogger(a.log),
	)
}

// Ping reports whether the backend is reachable.
func (a *Area) Ping(ctx context.Context) error {
	switch {
	case a.pool != nil:
		return PingDB(ctx, a.pool, pingTimeout)
	case a.db != nil:
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return a.db.PingContext(ctx)
	case a.mem != nil:
		return nil
	default:
		return storage.ErrUnavailable
	}
}

// Close closes every handle, then the backend.
func (a *Area) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	handles := a.handles
	a.handles = nil
	a.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
