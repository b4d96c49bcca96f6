package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"mailsched/internal/eventbus"
	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

const (
	DefaultScheduleWindow = 10 * time.Minute
	DefaultCheckInterval  = 5 * time.Minute
	DefaultStoreTimeout   = 5 * time.Second
)

// Config controls the task scheduler.
type Config struct {
	// ScheduleWindow: tasks due before now+ScheduleWindow are armed in memory.
	ScheduleWindow time.Duration
	// CheckInterval is the period of the background store sweep.
	CheckInterval time.Duration
	// StoreTimeout bounds each background storage call (sweep, fire, rollback).
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScheduleWindow <= 0 {
		c.ScheduleWindow = DefaultScheduleWindow
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

type Service struct {
	log   logx.Logger
	cfg   Config
	store storage.Store
	bus   eventbus.Bus

	// mu guards local bookkeeping only; it is never held across storage I/O.
	mu     sync.Mutex
	active bool
	timers map[string]*armedTimer
	stop   chan struct{}

	// sweeps tracks the sweep goroutines of the current Start..Close cycle.
	sweeps *sync.WaitGroup

	stats counters
}

type armedTimer struct {
	t *time.Timer
}

type counters struct {
	sweeps      atomic.Uint64
	sweepErrors atomic.Uint64
	claimed     atomic.Uint64
	fired       atomic.Uint64
	abandoned   atomic.Uint64
	fireErrors  atomic.Uint64
	rolledBack  atomic.Uint64
	unhandled   atomic.Uint64
}

// Snapshot is a point-in-time view of the scheduler, for logs and health output.
type Snapshot struct {
	Active         bool          `json:"active"`
	Armed          int           `json:"armed"`
	ScheduleWindow time.Duration `json:"schedule_window"`
	CheckInterval  time.Duration `json:"check_interval"`
	Sweeps         uint64        `json:"sweeps"`
	SweepErrors    uint64        `json:"sweep_errors"`
	Claimed        uint64        `json:"claimed"`
	Fired          uint64        `json:"fired"`
	Abandoned      uint64        `json:"abandoned"`
	FireErrors     uint64        `json:"fire_errors"`
	RolledBack     uint64        `json:"rolled_back"`
	Unhandled      uint64        `json:"unhandled"`
}
