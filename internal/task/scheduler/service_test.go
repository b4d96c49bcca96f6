package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/eventbus"
	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

var errOutage = errors.New("simulated outage")

// faultyStore injects failures into an otherwise working store.
type faultyStore struct {
	storage.Store

	mu           sync.Mutex
	insertErr    error
	claimErr     error
	fireFailures int
}

func (f *faultyStore) Insert(ctx context.Context, t storage.Task) (storage.Task, error) {
	f.mu.Lock()
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return storage.Task{}, err
	}
	return f.Store.Insert(ctx, t)
}

func (f *faultyStore) ClaimDue(ctx context.Context, windowEnd time.Time) (storage.Task, bool, error) {
	f.mu.Lock()
	err := f.claimErr
	f.mu.Unlock()
	if err != nil {
		return storage.Task{}, false, err
	}
	return f.Store.ClaimDue(ctx, windowEnd)
}

func (f *faultyStore) Transition(ctx context.Context, id string, from, to storage.Status) (storage.Task, bool, error) {
	f.mu.Lock()
	fail := to == storage.StatusFired && f.fireFailures > 0
	if fail {
		f.fireFailures--
	}
	f.mu.Unlock()
	if fail {
		return storage.Task{}, false, errOutage
	}
	return f.Store.Transition(ctx, id, from, to)
}

func (f *faultyStore) setClaimErr(err error) {
	f.mu.Lock()
	f.claimErr = err
	f.mu.Unlock()
}

func newTestService(t *testing.T, st storage.Store, window, interval time.Duration) *Service {
	t.Helper()
	svc := New(Config{
		ScheduleWindow: window,
		CheckInterval:  interval,
		StoreTimeout:   time.Second,
	}, st, eventbus.New(logx.Nop()), logx.Nop())
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func subscribe(svc *Service, event string) <-chan eventbus.Event {
	ch := make(chan eventbus.Event, 16)
	svc.On(event, func(_ context.Context, e eventbus.Event) { ch <- e })
	return ch
}

func recv(t *testing.T, ch <-chan eventbus.Event, within time.Duration) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(within):
		t.Fatalf("no event within %s", within)
		return eventbus.Event{}
	}
}

func assertSilent(t *testing.T, ch <-chan eventbus.Event, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q (task %s)", e.Name, e.TaskID)
	case <-time.After(d):
	}
}

func count(t *testing.T, st storage.Store, status storage.Status) int {
	t.Helper()
	n, err := st.Count(context.Background(), status)
	require.NoError(t, err)
	return n
}

func TestFireWithinWindowIsArmedImmediately(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 100*time.Millisecond)
	svc.Start(context.Background())
	events := subscribe(svc, "test")

	start := time.Now()
	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e := recv(t, events, 2*time.Second)
	assert.Equal(t, "test", e.Name)
	assert.Equal(t, id, e.TaskID)
	assert.JSONEq(t, `"ctx"`, string(e.Payload))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, count(t, st, storage.StatusFired))
}

func TestFireOutsideWindowWaitsForSweep(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 100*time.Millisecond)
	svc.Start(context.Background())
	events := subscribe(svc, "test")

	start := time.Now()
	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(time.Second))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, svc.Snapshot().Armed, "task is beyond the window")
	assert.Equal(t, 1, count(t, st, storage.StatusCreated))

	e := recv(t, events, 3*time.Second)
	assert.Equal(t, id, e.TaskID)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1, count(t, st, storage.StatusFired))
}

func TestCloseRollsBackArmedTasks(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 2*time.Second, 100*time.Millisecond)
	svc.Start(context.Background())
	events := subscribe(svc, "test")

	const armed = 3
	ids := map[string]bool{}
	for i := 0; i < armed; i++ {
		id, err := svc.FireAt(context.Background(), "test", i, time.Now().Add(800*time.Millisecond))
		require.NoError(t, err)
		ids[id] = true
	}
	outside, err := svc.FireAt(context.Background(), "test", "later", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return svc.Snapshot().Armed == armed }, time.Second, 10*time.Millisecond)
	require.Equal(t, armed, count(t, st, storage.StatusScheduled))

	require.NoError(t, svc.Close(context.Background()))

	assert.Equal(t, armed+1, count(t, st, storage.StatusCreated))
	assert.Equal(t, 0, count(t, st, storage.StatusScheduled))
	assert.Equal(t, 0, count(t, st, storage.StatusFired))
	assert.Equal(t, uint64(armed), svc.Snapshot().RolledBack)
	assert.Equal(t, 0, svc.Snapshot().Armed)
	for id := range ids {
		task, ok, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, storage.StatusCreated, task.Status, "task %s", id)
	}
	task, ok, err := st.Get(context.Background(), outside)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusCreated, task.Status)

	assertSilent(t, events, time.Second)
}

func TestInsertFailureReturnsPersistenceError(t *testing.T) {
	st := &faultyStore{Store: storage.NewMemory(), insertErr: errOutage}
	svc := newTestService(t, st, 500*time.Millisecond, 100*time.Millisecond)
	svc.Start(context.Background())

	at := time.Now().Add(time.Minute)
	id, err := svc.FireAt(context.Background(), "test", "ctx", at)

	require.Error(t, err)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, errOutage)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "test", perr.Event)
	assert.True(t, perr.TriggerTime.Equal(at))
}

func TestInactiveSchedulerDoesNotFire(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 100*time.Millisecond)
	events := subscribe(svc, "test")

	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assertSilent(t, events, 300*time.Millisecond)
	assert.Equal(t, 1, count(t, st, storage.StatusCreated))

	svc.Start(context.Background())
	e := recv(t, events, 2*time.Second)
	assert.Equal(t, id, e.TaskID)
}

func TestPastTriggerFiresAsSoonAsPossible(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, time.Hour)
	svc.Start(context.Background())
	events := subscribe(svc, "test")

	_, err := svc.FireAt(context.Background(), "test", map[string]int{"n": 1}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	e := recv(t, events, time.Second)
	assert.JSONEq(t, `{"n":1}`, string(e.Payload))
}

func TestStartAndCloseAreIdempotent(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 100*time.Millisecond)
	events := subscribe(svc, "test")

	require.NoError(t, svc.Close(context.Background()), "close before start")

	svc.Start(context.Background())
	svc.Start(context.Background())
	assert.True(t, svc.Active())

	_, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	recv(t, events, 2*time.Second)
	assertSilent(t, events, 200*time.Millisecond)

	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
	assert.False(t, svc.Active())
	assert.Equal(t, 1, count(t, st, storage.StatusFired))
}

func TestRestartRediscoversRolledBackTasks(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 100*time.Millisecond)
	events := subscribe(svc, "test")
	svc.Start(context.Background())

	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(300*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.Snapshot().Armed == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Close(context.Background()))
	assert.Equal(t, 1, count(t, st, storage.StatusCreated))

	svc.Start(context.Background())
	e := recv(t, events, 2*time.Second)
	assert.Equal(t, id, e.TaskID)
}

func TestFireAbandonedWhenAnotherActorFired(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, time.Hour)
	svc.Start(context.Background())
	events := subscribe(svc, "test")

	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(200*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.Snapshot().Armed == 1 }, time.Second, 10*time.Millisecond)

	_, ok, err := st.Transition(context.Background(), id, storage.StatusScheduled, storage.StatusFired)
	require.NoError(t, err)
	require.True(t, ok)

	assertSilent(t, events, 500*time.Millisecond)
	assert.Equal(t, uint64(1), svc.Snapshot().Abandoned)
}

func TestSweepErrorIsRetriedNextCycle(t *testing.T) {
	st := &faultyStore{Store: storage.NewMemory(), claimErr: errOutage}
	svc := newTestService(t, st, 500*time.Millisecond, 50*time.Millisecond)
	events := subscribe(svc, "test")
	svc.Start(context.Background())

	_, err := svc.FireAt(context.Background(), "test", "ctx", time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.Snapshot().SweepErrors >= 2 }, time.Second, 10*time.Millisecond)
	assertSilent(t, events, 50*time.Millisecond)

	st.setClaimErr(nil)
	recv(t, events, 2*time.Second)
}

func TestFireStoreErrorRollsBackForRetry(t *testing.T) {
	st := &faultyStore{Store: storage.NewMemory(), fireFailures: 1}
	svc := newTestService(t, st, 500*time.Millisecond, 50*time.Millisecond)
	events := subscribe(svc, "test")
	svc.Start(context.Background())

	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now())
	require.NoError(t, err)

	e := recv(t, events, 2*time.Second)
	assert.Equal(t, id, e.TaskID)
	assertSilent(t, events, 200*time.Millisecond)
	assert.Equal(t, uint64(1), svc.Snapshot().FireErrors)
	assert.Equal(t, 1, count(t, st, storage.StatusFired))
}

func TestEachTaskFiresExactlyOnceAcrossInstances(t *testing.T) {
	st := storage.NewMemory()
	a := newTestService(t, st, time.Second, 20*time.Millisecond)
	b := newTestService(t, st, time.Second, 20*time.Millisecond)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	h := func(_ context.Context, e eventbus.Event) {
		mu.Lock()
		seen[e.TaskID]++
		mu.Unlock()
	}
	a.On("test", h)
	b.On("test", h)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := a.FireAt(context.Background(), "test", i, time.Now().Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	a.Start(context.Background())
	b.Start(context.Background())

	require.Eventually(t, func() bool { return count(t, st, storage.StatusFired) == n }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "task %s", id)
	}
}

func TestTasksSurviveProcessRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
		require.NoError(t, err)
		return st
	}

	st := open()
	first := New(Config{ScheduleWindow: time.Second, CheckInterval: 100 * time.Millisecond}, st, nil, logx.Nop())
	first.Start(context.Background())
	id, err := first.FireAt(context.Background(), "test", "ctx", time.Now().Add(400*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Snapshot().Armed == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close(context.Background()))
	require.NoError(t, st.Close())

	st = open()
	t.Cleanup(func() { _ = st.Close() })
	second := newTestService(t, st, time.Second, 100*time.Millisecond)
	events := subscribe(second, "test")
	second.Start(context.Background())

	e := recv(t, events, 2*time.Second)
	assert.Equal(t, id, e.TaskID)
	assert.JSONEq(t, `"ctx"`, string(e.Payload))
}

func TestFireAtMillisAndPayloadEncoding(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, time.Minute, time.Hour)

	ms := time.Now().Add(time.Hour).UnixMilli()
	id, err := svc.FireAtMillis(context.Background(), "test", []byte(`{"raw":true}`), ms)
	require.NoError(t, err)

	task, ok, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms, task.TriggerTime.UnixMilli())
	assert.JSONEq(t, `{"raw":true}`, string(task.Context))

	_, err = svc.FireAt(context.Background(), "test", []byte("not json"), time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPersistence)
}

func TestPastDueBatchFiresEveryTask(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 20*time.Millisecond)

	const n = 200
	var fired atomic.Int64
	svc.On("test", func(context.Context, eventbus.Event) { fired.Add(1) })

	for i := 0; i < n; i++ {
		_, err := svc.FireAt(context.Background(), "test", i, time.Now().Add(-time.Second))
		require.NoError(t, err)
	}
	svc.Start(context.Background())

	// Concurrent FireAt calls while the sweep is arming the backlog.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.FireAt(context.Background(), "test", i, time.Now().Add(-time.Millisecond))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return count(t, st, storage.StatusFired) == n+20 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return svc.Snapshot().Armed == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(n+20), fired.Load())
	assert.Equal(t, uint64(n+20), svc.Snapshot().Fired)
}

func TestFiredTaskWithoutSubscriberIsCounted(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, time.Hour)
	svc.Start(context.Background())

	_, err := svc.FireAt(context.Background(), "nobody-listens", "ctx", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return svc.Snapshot().Unhandled == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, count(t, st, storage.StatusFired))
}

func TestCanceledStartContextStopsSweeps(t *testing.T) {
	st := storage.NewMemory()
	svc := newTestService(t, st, 500*time.Millisecond, 20*time.Millisecond)
	events := subscribe(svc, "test")

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	require.Eventually(t, func() bool { return svc.Snapshot().Sweeps >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	sweeps := svc.Snapshot().Sweeps
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, sweeps, svc.Snapshot().Sweeps, "no sweep after cancel")
	assert.True(t, svc.Active(), "cancel only ends the periodic sweep")

	// Tasks inside the window are still armed directly by FireAt.
	id, err := svc.FireAt(context.Background(), "test", "ctx", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	e := recv(t, events, time.Second)
	assert.Equal(t, id, e.TaskID)

	require.NoError(t, svc.Close(context.Background()))
}
