package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tasks in a map. The mutex makes every conditional
// update atomic, matching the sqlite driver's semantics.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]Task
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{tasks: map[string]Task{}}
}

func (m *MemoryStore) Insert(ctx context.Context, t Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
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
	m.tasks[t.ID] = cloneTask(t)
	return t, nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, windowEnd time.Time) (Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, false, ErrClosed
	}

	var (
		pick  Task
		found bool
	)
	for _, t := range m.tasks {
		if t.Status != StatusCreated || t.TriggerTime.After(windowEnd) {
			continue
		}
		if !found || t.TriggerTime.Before(pick.TriggerTime) {
			pick = t
			found = true
		}
	}
	if !found {
		return Task{}, false, nil
	}
	pick.Status = StatusScheduled
	pick.UpdatedAt = toMillis(time.Now())
	m.tasks[pick.ID] = pick
	return cloneTask(pick), true, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status) (Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, false, err
	}
	if !CanTransition(from, to) {
		return Task{}, false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, false, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return Task{}, false, nil
	}
	t.Status = to
	t.UpdatedAt = toMillis(time.Now())
	m.tasks[id] = t
	return cloneTask(t), true, nil
}

func (m *MemoryStore) Count(ctx context.Context, status Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, t := range m.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, false, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false, nil
	}
	return cloneTask(t), true, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneTask(t Task) Task {
	if t.Context != nil {
		t.Context = append([]byte(nil), t.Context...)
	}
	return t
}
