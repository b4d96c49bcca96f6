package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

var reportParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// reporter periodically logs how many tasks sit in each status.
type reporter struct {
	log     logx.Logger
	store   storage.Store
	timeout time.Duration

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID
	spec  string
}

func newReporter(store storage.Store, timeout time.Duration, log logx.Logger) *reporter {
	return &reporter{
		log:     log,
		store:   store,
		timeout: timeout,
		c:       cron.New(cron.WithParser(reportParser)),
	}
}

// Apply replaces the report schedule. An empty spec disables reporting.
// An invalid spec leaves the current schedule in place.
func (r *reporter) Apply(spec string) error {
	spec = strings.TrimSpace(spec)

	var sched cron.Schedule
	if spec != "" {
		var err error
		if sched, err = reportParser.Parse(spec); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if spec == r.spec && (spec == "") == (r.entry == 0) {
		return nil
	}
	if r.entry != 0 {
		r.c.Remove(r.entry)
		r.entry = 0
	}
	r.spec = spec
	if sched == nil {
		r.log.Info("status report disabled")
		return nil
	}
	r.entry = r.c.Schedule(sched, cron.FuncJob(r.report))
	r.log.Info("status report scheduled", logx.String("spec", spec))
	return nil
}

// Run drives the cron until ctx is done.
func (r *reporter) Run(ctx context.Context) error {
	r.c.Start()
	<-ctx.Done()
	<-r.c.Stop().Done()
	return nil
}

func (r *reporter) report() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	fields := make([]logx.Field, 0, 3)
	for _, st := range []storage.Status{storage.StatusCreated, storage.StatusScheduled, storage.StatusFired} {
		n, err := r.store.Count(ctx, st)
		if err != nil {
			r.log.Warn("status report failed", logx.String("status", string(st)), logx.Err(err))
			return
		}
		fields = append(fields, logx.Int(strings.ToLower(string(st)), n))
	}
	r.log.Info("task status", fields...)
}
