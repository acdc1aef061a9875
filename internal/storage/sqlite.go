package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	sqliteDefaultPoll = 100 * time.Millisecond

	// Journal rows older than this are pruned on write. Watchers lagging further behind miss them.
	sqliteJournalRetention = time.Minute
)

// OpenSQLite opens (creating when needed) a SQLite file suitable for sharing between processes.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tab_values (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE TABLE IF NOT EXISTS tab_changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	removed    INTEGER NOT NULL DEFAULT 0,
	writer     TEXT NOT NULL,
	created_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tab_changes_ns_seq ON tab_changes(namespace, seq);
CREATE INDEX IF NOT EXISTS tab_changes_created ON tab_changes(created_ms);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// SQLite is a Storage handle backed by a SQLite file. Current values live in
// tab_values; every effective write also appends a row to the tab_changes
// journal, which watchers poll by sequence number. Each write is therefore
// reported once, even when several land between two polls.
//
// The caller owns db.
type SQLite struct {
	db        *sql.DB
	log       *slog.Logger
	namespace string
	writer    string
	poll      time.Duration

	mu       sync.Mutex
	watchers watcherSet
	cancel   context.CancelFunc
	done     chan struct{}
}

// SQLiteOption configures SQLite behavior.
type SQLiteOption func(*SQLite)

// WithPollInterval sets how often watchers read the change journal.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithSQLiteLogger sets the logger used by the poll loop.
func WithSQLiteLogger(log *slog.Logger) SQLiteOption {
	return func(s *SQLite) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSQLite constructs a handle on the area identified by namespace.
func NewSQLite(db *sql.DB, namespace string, opts ...SQLiteOption) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("storage: nil db")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("storage: empty namespace")
	}
	s := &SQLite{
		db:        db,
		log:       slog.Default(),
		namespace: namespace,
		writer:    uuid.NewString(),
		poll:      sqliteDefaultPoll,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Get implements Storage.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tab_values WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// Set implements Storage.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	return s.write(ctx, key, value, false)
}

// Remove implements Storage.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	return s.write(ctx, key, "", true)
}

// write applies one mutation and journals it. Writes that change nothing are not journaled.
func (s *SQLite) write(ctx context.Context, key, value string, removed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if removed {
		res, err = tx.ExecContext(ctx,
			`DELETE FROM tab_values WHERE namespace = ? AND key = ?`,
			s.namespace, key,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
INSERT INTO tab_values(namespace, key, value) VALUES (?, ?, ?)
ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
WHERE tab_values.value != excluded.value`,
			s.namespace, key, value,
		)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return nil
	}

	flag := 0
	if removed {
		flag = 1
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tab_changes(namespace, key, value, removed, writer, created_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		s.namespace, key, value, flag, s.writer, now,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tab_changes WHERE created_ms < ?`,
		now-sqliteJournalRetention.Milliseconds(),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch implements Storage. The first watcher starts the poll loop.
func (s *SQLite) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	id := s.watchers.add(fn)
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.pollLoop(ctx, s.done, s.currentVersion(ctx))
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.watchers.remove(id)
		s.mu.Unlock()
	}
}

// Close stops the poll loop. It does not close the database.
func (s *SQLite) Close() error {
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

func (s *SQLite) currentVersion(ctx context.Context) int64 {
	var v int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM tab_changes`,
	).Scan(&v); err != nil {
		s.log.Warn("storage.sqlite.journal.fail", "err", err)
		return 0
	}
	return v
}

func (s *SQLite) pollLoop(ctx context.Context, done chan struct{}, since int64) {
	defer close(done)

	t := time.NewTicker(s.poll)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		next, changes, err := s.changesSince(ctx, since)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("storage.sqlite.poll.fail", "err", err)
			}
			continue
		}
		since = next

		if len(changes) == 0 {
			continue
		}
		s.mu.Lock()
		fns := s.watchers.snapshot()
		s.mu.Unlock()

		for _, ch := range changes {
			for _, fn := range fns {
				fn(ch)
			}
		}
	}
}

func (s *SQLite) changesSince(ctx context.Context, since int64) (int64, []Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, key, value, writer, removed FROM tab_changes
		 WHERE namespace = ? AND seq > ? ORDER BY seq ASC`,
		s.namespace, since,
	)
	if err != nil {
		return since, nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			seq                int64
			key, value, writer string
			removed            int
		)
		if err := rows.Scan(&seq, &key, &value, &writer, &removed); err != nil {
			return since, nil, err
		}
		since = seq
		if writer == s.writer {
			continue
		}
		out = append(out, Change{Key: key, Value: value, Removed: removed == 1})
	}
	return since, out, rows.Err()
}
