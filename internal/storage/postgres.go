package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgDefaultSchema  = "tabsync"
	pgDefaultChannel = "tabsync_storage"

	pgListenRetry = 1 * time.Second

	// NOTIFY payloads are capped at 8000 bytes by Postgres.
	pgMaxNotifyBytes = 7900
)

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Postgres is a Storage handle backed by a PostgreSQL table.
// Changes are published with pg_notify inside the writing transaction and
// consumed by a LISTEN loop on a dedicated pooled connection.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close stops the LISTEN loop only.
type Postgres struct {
	pool      *pgxpool.Pool
	log       *slog.Logger
	schema    string
	channel   string
	namespace string
	writer    string

	mu       sync.Mutex
	watchers watcherSet
	cancel   context.CancelFunc
	done     chan struct{}
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "tabsync").
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("storage: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("storage: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithChannel sets the LISTEN/NOTIFY channel (default: "tabsync_storage").
func WithChannel(channel string) PostgresOption {
	return func(s *Postgres) error {
		channel = strings.TrimSpace(channel)
		if !pgIdentRE.MatchString(channel) {
			return errors.New("storage: invalid channel identifier")
		}
		s.channel = channel
		return nil
	}
}

// WithPostgresLogger sets the logger used by the LISTEN loop.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *Postgres) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgres constructs a handle on the area identified by namespace (typically the origin).
func NewPostgres(pool *pgxpool.Pool, namespace string, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:      pool,
		log:       slog.Default(),
		schema:    pgDefaultSchema,
		channel:   pgDefaultChannel,
		namespace: strings.TrimSpace(namespace),
		writer:    uuid.NewString(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("storage: nil pool")
	}
	if st.namespace == "" {
		return nil, errors.New("storage: empty namespace")
	}
	return st, nil
}

// EnsureSchema creates the backing table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	schemaSQL := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  namespace  TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  writer     TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, key)
);
`, pgx.Identifier{s.schema}.Sanitize(), s.table())

	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage: apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) table() string {
	return pgx.Identifier{s.schema, "tab_storage"}.Sanitize()
}

type pgChange struct {
	Namespace string `json:"ns"`
	Writer    string `json:"w"`
	Key       string `json:"k"`
	Value     string `json:"v,omitempty"`
	Removed   bool   `json:"r,omitempty"`
}

// Get implements Storage.
func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// Set implements Storage.
func (s *Postgres) Set(ctx context.Context, key, value string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.table()+` AS t (namespace, key, value, writer, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (namespace, key) DO UPDATE
		   SET value = EXCLUDED.value, writer = EXCLUDED.writer, updated_at = now()
		   WHERE t.value IS DISTINCT FROM EXCLUDED.value`,
		s.namespace, key, value, s.writer,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() > 0 {
		if err := s.notify(ctx, tx, pgChange{Key: key, Value: value}); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Remove implements Storage.
func (s *Postgres) Remove(ctx context.Context, key string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() > 0 {
		if err := s.notify(ctx, tx, pgChange{Key: key, Removed: true}); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Postgres) notify(ctx context.Context, tx pgx.Tx, ch pgChange) error {
	ch.Namespace = s.namespace
	ch.Writer = s.writer
	b, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if len(b) > pgMaxNotifyBytes {
		// Oversized values are stored but announced without the value; watchers re-read.
		ch.Value = ""
		if b, err = json.Marshal(ch); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(b)); err != nil {
		return fmt.Errorf("%w: notify: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch implements Storage. The first watcher starts the LISTEN loop.
func (s *Postgres) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	id := s.watchers.add(fn)
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.listen(ctx, s.done)
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.watchers.remove(id)
		s.mu.Unlock()
	}
}

// Close stops the LISTEN loop and waits for it to exit.
func (s *Postgres) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.watchers = watcherSet{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *Postgres) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("storage.listen.fail", "channel", s.channel, "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(pgListenRetry):
			}
		}
	}
}

func (s *Postgres) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return err
	}
	defer func() {
		// The connection returns to the pool; leave it clean.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, `UNLISTEN *`)
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *Postgres) dispatch(ctx context.Context, payload string) {
	var pc pgChange
	if err := json.Unmarshal([]byte(payload), &pc); err != nil {
		s.log.Debug("storage.notify.decode.fail", "err", err)
		return
	}
	if pc.Namespace != s.namespace || pc.Writer == s.writer {
		return
	}

	ch := Change{Key: pc.Key, Value: pc.Value, Removed: pc.Removed}
	if !pc.Removed && pc.Value == "" {
		// Value was elided from an oversized payload.
		if v, ok, err := s.Get(ctx, pc.Key); err == nil && ok {
			ch.Value = v
		}
	}

	s.mu.Lock()
	fns := s.watchers.snapshot()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}
