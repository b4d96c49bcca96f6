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
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "mailsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const taskColumns = `id, event, context, trigger_time, status, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which also makes each
	// conditional UPDATE the atomic unit the scheduler relies on.
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
	log.Debug("sqlite store opened", logx.String("path", path))
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
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, t Task) (Task, error) {
	if s == nil || s.db == nil {
		return Task{}, ErrClosed
	}
	now := time.Now()
	t.ID = uuid.NewString()
	t.Status = StatusCreated
	t.TriggerTime = toMillis(t.TriggerTime)
	t.CreatedAt = toMillis(now)
	t.UpdatedAt = t.CreatedAt
	if len(t.Context) == 0 {
		t.Context = []byte("null")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.Event, string(t.Context), t.TriggerTime.UnixMilli(), string(t.Status),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, windowEnd time.Time) (Task, bool, error) {
	if s == nil || s.db == nil {
		return Task{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM tasks
			WHERE status = ? AND trigger_time <= ?
			ORDER BY trigger_time LIMIT 1
		 ) AND status = ?
		 RETURNING `+taskColumns,
		string(StatusScheduled), time.Now().UnixMilli(),
		string(StatusCreated), windowEnd.UnixMilli(),
		string(StatusCreated),
	)
	return scanOptional(row)
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from, to Status) (Task, bool, error) {
	if s == nil || s.db == nil {
		return Task{}, false, ErrClosed
	}
	if !CanTransition(from, to) {
		return Task{}, false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+taskColumns,
		string(to), time.Now().UnixMilli(), id, string(from),
	)
	return scanOptional(row)
}

func (s *sqliteStore) Count(ctx context.Context, status Status) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Task, bool, error) {
	if s == nil || s.db == nil {
		return Task{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanOptional(row)
}

func scanOptional(row *sql.Row) (Task, bool, error) {
	var (
		t                         Task
		ctxJSON, status           string
		trigger, created, updated int64
	)
	err := row.Scan(&t.ID, &t.Event, &ctxJSON, &trigger, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	t.Context = []byte(ctxJSON)
	t.Status = Status(status)
	t.TriggerTime = time.UnixMilli(trigger)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, true, nil
}
