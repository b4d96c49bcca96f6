package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailsched/internal/eventbus"
	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New(log)
	}
	cfg = cfg.withDefaults()
	log.Info("task scheduler created",
		logx.Duration("schedule_window", cfg.ScheduleWindow),
		logx.Duration("check_interval", cfg.CheckInterval),
	)
	return &Service{
		log:    log,
		cfg:    cfg,
		store:  store,
		bus:    bus,
		timers: map[string]*armedTimer{},
	}
}

// Active reports whether Start has been called without a matching Close.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// On subscribes h to events named event. The returned func unsubscribes.
func (s *Service) On(event string, h eventbus.Handler) func() {
	return s.bus.Subscribe(event, h)
}

// Start activates the scheduler: one immediate sweep over [now, now+window],
// then a recurring sweep every CheckInterval. Calling Start while active is a no-op.
// Canceling ctx ends the periodic sweep; armed timers keep running until Close.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.log.Debug("task scheduler already started")
		return
	}
	s.active = true
	stop := make(chan struct{})
	s.stop = stop
	wg := &sync.WaitGroup{}
	s.sweeps = wg
	wg.Add(1)
	s.mu.Unlock()

	s.log.Info("task scheduler started")
	go s.sweepLoop(ctx, stop, wg)
}

func (s *Service) sweepLoop(ctx context.Context, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	s.loadFromStore(time.Now().Add(s.cfg.ScheduleWindow))

	t := time.NewTicker(s.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.log.Debug("periodic sweep stopped", logx.Err(ctx.Err()))
			return
		case <-t.C:
			s.loadFromStore(time.Now().Add(s.cfg.ScheduleWindow))
		}
	}
}

// FireAt persists "publish event with payload at at" and returns the task id.
//
// payload is stored as JSON: json.RawMessage and []byte are taken verbatim,
// anything else is marshaled. If the store rejects the insert, FireAt
// returns a *PersistenceError and no id. When the scheduler is active and
// the task is due within the schedule window, a sweep is started right away
// instead of waiting for the next periodic one.
func (s *Service) FireAt(ctx context.Context, event string, payload any, at time.Time) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %q: %w", event, err)
	}
	rec := storage.Task{
		Event:       event,
		Context:     raw,
		TriggerTime: at,
		Status:      storage.StatusCreated,
	}
	s.log.Trace("fireAt requested", logx.String("event", event), logx.Time("trigger_time", at))

	task, err := s.store.Insert(ctx, rec)
	if err != nil {
		s.log.Error("task insert failed",
			logx.String("event", event),
			logx.Time("trigger_time", at),
			logx.Int("payload_bytes", len(raw)),
			logx.Err(err),
		)
		return "", &PersistenceError{Event: event, TriggerTime: at, Err: err}
	}
	s.log.Debug("task created", logx.String("id", task.ID), logx.String("event", event))

	if time.Until(task.TriggerTime) < s.cfg.ScheduleWindow {
		s.mu.Lock()
		if s.active {
			wg := s.sweeps
			wg.Add(1)
			go func(windowEnd time.Time) {
				defer wg.Done()
				s.loadFromStore(windowEnd)
			}(task.TriggerTime)
		}
		s.mu.Unlock()
	}
	return task.ID, nil
}

// FireAtMillis is FireAt with a unix-millisecond timestamp.
func (s *Service) FireAtMillis(ctx context.Context, event string, payload any, ms int64) (string, error) {
	return s.FireAt(ctx, event, payload, time.UnixMilli(ms))
}

// loadFromStore claims due tasks one at a time until none is left, the
// scheduler stops, or the store fails. A failure ends this sweep only;
// the next periodic sweep or FireAt retries.
func (s *Service) loadFromStore(windowEnd time.Time) {
	s.stats.sweeps.Add(1)
	s.log.Trace("sweep triggered", logx.Time("window_end", windowEnd))

	for s.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		task, ok, err := s.store.ClaimDue(ctx, windowEnd)
		cancel()
		if err != nil {
			s.stats.sweepErrors.Add(1)
			s.log.Error("failed to load task from store", logx.Time("window_end", windowEnd), logx.Err(err))
			return
		}
		if !ok {
			return
		}
		s.stats.claimed.Add(1)
		s.log.Debug("scheduling task from store to memory", logx.String("id", task.ID), logx.String("event", task.Event))
		s.scheduleToMemory(task)
	}
}

// scheduleToMemory arms a one-shot timer for a claimed (SCHEDULED) task.
// A trigger time in the past fires as soon as possible.
func (s *Service) scheduleToMemory(task storage.Task) {
	delay := time.Until(task.TriggerTime)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if !s.active {
		// Claimed while Close was draining; hand it back to the store.
		s.mu.Unlock()
		s.rollback(task.ID)
		return
	}
	if prev, ok := s.timers[task.ID]; ok {
		prev.t.Stop()
	}
	// The callback only compares the *armedTimer identity; a.t is set and
	// read under s.mu.
	a := &armedTimer{}
	a.t = time.AfterFunc(delay, func() { s.fire(task, a) })
	s.timers[task.ID] = a
	s.mu.Unlock()
}

func (s *Service) fire(task storage.Task, a *armedTimer) {
	s.mu.Lock()
	if cur, ok := s.timers[task.ID]; ok && cur == a {
		delete(s.timers, task.ID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	_, ok, err := s.store.Transition(ctx, task.ID, storage.StatusScheduled, storage.StatusFired)
	cancel()
	if err != nil {
		s.stats.fireErrors.Add(1)
		s.log.Error("failed to mark task fired", logx.String("id", task.ID), logx.String("event", task.Event), logx.Err(err))
		// Put it back in CREATED so a later sweep can retry it.
		s.rollback(task.ID)
		return
	}
	if !ok {
		s.stats.abandoned.Add(1)
		s.log.Warn("fire abandoned: task no longer scheduled", logx.String("id", task.ID), logx.String("event", task.Event))
		return
	}

	s.stats.fired.Add(1)
	s.log.Debug("fire event", logx.String("id", task.ID), logx.String("event", task.Event))
	n := s.bus.Publish(context.Background(), eventbus.Event{
		Name:    task.Event,
		TaskID:  task.ID,
		Payload: task.Context,
	})
	if n == 0 {
		s.stats.unhandled.Add(1)
		s.log.Warn("fired task had no subscribers", logx.String("id", task.ID), logx.String("event", task.Event))
	}
}

// rollback moves id SCHEDULED -> CREATED. Losing the race is fine.
func (s *Service) rollback(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	_, ok, err := s.store.Transition(ctx, id, storage.StatusScheduled, storage.StatusCreated)
	if err != nil {
		s.log.Error("task rollback failed", logx.String("id", id), logx.Err(err))
		return fmt.Errorf("rollback %s: %w", id, err)
	}
	if ok {
		s.stats.rolledBack.Add(1)
	}
	return nil
}

// Close deactivates the scheduler, stops the periodic sweep and rolls every
// armed task back to CREATED. Rollbacks are best effort: each one is
// attempted, failures are logged and joined into the returned error.
// Close on an inactive scheduler returns nil immediately.
func (s *Service) Close(ctx context.Context) error {
	s.log.Trace("shutting down task scheduler")

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.log.Debug("task scheduler already closed")
		return nil
	}
	s.active = false
	close(s.stop)
	s.stop = nil
	timers := s.timers
	s.timers = map[string]*armedTimer{}
	sweeps := s.sweeps
	s.sweeps = nil
	s.mu.Unlock()

	// In-flight sweeps finish their current claim, see active=false and return.
	done := make(chan struct{})
	go func() {
		sweeps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("close: sweeps still running", logx.Err(ctx.Err()))
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
		ids  = make([]string, 0, len(timers))
	)
	for id, tm := range timers {
		tm.t.Stop()
		ids = append(ids, id)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.rollback(id); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	s.log.Info("task scheduler closed", logx.Strings("rolled_back_ids", ids))
	return errors.Join(errs...)
}

// Snapshot returns a point-in-time view of the scheduler.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	active := s.active
	armed := len(s.timers)
	s.mu.Unlock()

	return Snapshot{
		Active:         active,
		Armed:          armed,
		ScheduleWindow: s.cfg.ScheduleWindow,
		CheckInterval:  s.cfg.CheckInterval,
		Sweeps:         s.stats.sweeps.Load(),
		SweepErrors:    s.stats.sweepErrors.Load(),
		Claimed:        s.stats.claimed.Load(),
		Fired:          s.stats.fired.Load(),
		Abandoned:      s.stats.abandoned.Load(),
		FireErrors:     s.stats.fireErrors.Load(),
		RolledBack:     s.stats.rolledBack.Load(),
		Unhandled:      s.stats.unhandled.Load(),
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
