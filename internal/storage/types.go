package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Status is the lifecycle state of a task record.
//
// Valid transitions: CREATED -> SCHEDULED -> FIRED, and SCHEDULED -> CREATED
// (rollback when a scheduler shuts down before the timer fires).
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusScheduled Status = "SCHEDULED"
	StatusFired     Status = "FIRED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusScheduled, StatusFired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to Status) bool {
	switch {
	case from == StatusCreated && to == StatusScheduled:
		return true
	case from == StatusScheduled && to == StatusFired:
		return true
	case from == StatusScheduled && to == StatusCreated:
		return true
	default:
		return false
	}
}

// Task is one persisted "fire Event with Context at TriggerTime" record.
type Task struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	Context     json.RawMessage `json:"context"`
	TriggerTime time.Time       `json:"trigger_time"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store is the persistence API used by the task scheduler.
//
// ClaimDue and Transition are atomic conditional updates. A record that is
// not in the expected state yields ok=false with a nil error: another actor
// won the race, which is not a failure.
type Store interface {
	// Insert persists t as a new CREATED record and returns it with ID set.
	Insert(ctx context.Context, t Task) (Task, error)
	// ClaimDue moves one CREATED task with TriggerTime <= windowEnd to SCHEDULED.
	ClaimDue(ctx context.Context, windowEnd time.Time) (task Task, ok bool, err error)
	// Transition moves task id from -> to if it is currently in from.
	Transition(ctx context.Context, id string, from, to Status) (task Task, ok bool, err error)
	Count(ctx context.Context, status Status) (int, error)
	Get(ctx context.Context, id string) (task Task, ok bool, err error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": shared PostgreSQL table, for several instances
//   - "memory": in-process only, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// toMillis truncates t to the millisecond precision records are kept at.
func toMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
