package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "mailsched/pkg/logx"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		event        TEXT NOT NULL,
		context      TEXT NOT NULL DEFAULT 'null',
		trigger_time BIGINT NOT NULL,
		status       TEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_trigger ON tasks(status, trigger_time)`,
}

// postgresStore lets several scheduler instances share one task table.
type postgresStore struct {
	pool   *pgxpool.Pool
	log    logx.Logger
	closed atomic.Bool
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	for _, stmt := range postgresMigrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
	}
	log.Debug("postgres store opened")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, t Task) (Task, error) {
	if s.closed.Load() {
		return Task{}, ErrClosed
	}
	now := toMillis(time.Now())
	t.ID = uuid.NewString()
	t.Status = StatusCreated
	t.TriggerTime = toMillis(t.TriggerTime)
	t.CreatedAt = now
	t.UpdatedAt = now
	if len(t.Context) == 0 {
		t.Context = []byte("null")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Event, string(t.Context), t.TriggerTime.UnixMilli(), string(t.Status),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// ClaimDue skips rows locked by a concurrent claimer instead of waiting on them.
func (s *postgresStore) ClaimDue(ctx context.Context, windowEnd time.Time) (Task, bool, error) {
	if s.closed.Load() {
		return Task{}, false, ErrClosed
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2
		 WHERE id = (
			SELECT id FROM tasks
			WHERE status = $3 AND trigger_time <= $4
			ORDER BY trigger_time LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND status = $3
		 RETURNING `+taskColumns,
		string(StatusScheduled), time.Now().UnixMilli(),
		string(StatusCreated), windowEnd.UnixMilli(),
	)
	return scanPgRow(row)
}

func (s *postgresStore) Transition(ctx context.Context, id string, from, to Status) (Task, bool, error) {
	if s.closed.Load() {
		return Task{}, false, ErrClosed
	}
	if !CanTransition(from, to) {
		return Task{}, false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4
		 RETURNING `+taskColumns,
		string(to), time.Now().UnixMilli(), id, string(from),
	)
	return scanPgRow(row)
}

func (s *postgresStore) Count(ctx context.Context, status Status) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

func (s *postgresStore) Get(ctx context.Context, id string) (Task, bool, error) {
	if s.closed.Load() {
		return Task{}, false, ErrClosed
	}
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanPgRow(row)
}

func scanPgRow(row pgx.Row) (Task, bool, error) {
	var (
		t                         Task
		ctxJSON, status           string
		trigger, created, updated int64
	)
	err := row.Scan(&t.ID, &t.Event, &ctxJSON, &trigger, &status, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
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
