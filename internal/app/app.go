package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"mailsched/internal/config"
	"mailsched/internal/eventbus"
	"mailsched/internal/httpapi"
	"mailsched/internal/mail"
	"mailsched/internal/runtime/supervisor"
	"mailsched/internal/storage"
	"mailsched/internal/task/scheduler"
	logx "mailsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     storage.Store
	bus       eventbus.Bus
	sched     *scheduler.Service
	transport *mail.Transport
	mails     *mail.Scheduler
	handler   http.Handler
	http      *httpapi.Server
	report    *reporter
}

// NewApp loads the config and wires every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	mailCfg, sendTimeout, err := mapMailConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}

	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, a.abort(fmt.Errorf("open storage: %w", err))
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a.bus = eventbus.New(log.With(logx.String("comp", "eventbus")))
	a.sched = scheduler.New(schedCfg, a.store, a.bus, log.With(logx.String("comp", "scheduler")))

	a.transport = mail.NewTransport(mailCfg, log.With(logx.String("comp", "mail")))
	if len(mailCfg.Servers) == 0 {
		a.log.Warn("no mail servers configured; fired mails will fail to send")
	}
	a.mails = mail.NewScheduler(a.sched, a.transport, log.With(logx.String("comp", "mailscheduler")))
	a.mails.SendTimeout = sendTimeout

	a.handler = httpapi.NewHandler(a.mails, a.health,
		log.With(logx.String("comp", "http")), httpapi.WithCORS(httpCfg.CORSOrigins))
	a.http = httpapi.NewServer(httpCfg, a.handler, log.With(logx.String("comp", "http")))

	a.report = newReporter(a.store, schedCfg.StoreTimeout, log.With(logx.String("comp", "report")))
	if err := a.report.Apply(cfg.ReportSpec()); err != nil {
		return nil, a.abort(fmt.Errorf("report.spec: %w", err))
	}
	return a, nil
}

// abort releases what newApp opened so far.
func (a *App) abort(err error) error {
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return err
}

// Health is the /healthz body.
type Health struct {
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	Goroutines *supervisor.Counters `json:"goroutines,omitempty"`
}

func (a *App) health() any {
	h := Health{Scheduler: a.sched.Snapshot()}
	if a.sup != nil {
		c := a.sup.Counters()
		h.Goroutines = &c
	}
	return h
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sched.Start(a.sup.Context())

	a.sup.Go("http", a.http.Run)
	a.sup.Go("report", a.report.Run)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 30*time.Second)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging and report changes. Everything else is
// bound at startup and only logged.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if slices.Contains(sections, "report") {
		if err := a.report.Apply(next.ReportSpec()); err != nil {
			a.log.Warn("invalid report.spec; keeping previous", logx.Err(err))
		}
	}
	for _, s := range sections {
		switch s {
		case "http", "scheduler", "storage", "mail":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: HTTP and background loops, the mail
// consumer, the scheduler (rolling armed tasks back), the transport, the
// store and finally logging. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	if a.sup != nil {
		step("supervisor", 15*time.Second, func(c context.Context) error {
			err := a.sup.Stop(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	step("mail.consumer", time.Second, func(context.Context) error { a.mails.Close(); return nil })
	step("scheduler", 10*time.Second, a.sched.Close)
	step("mail.transport", 2*time.Second, func(context.Context) error { return a.transport.Close() })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
