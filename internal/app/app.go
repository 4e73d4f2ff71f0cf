package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"loopsched/internal/adapter/httpapi"
	"loopsched/internal/adapter/journal"
	"loopsched/internal/adapter/mailbox"
	"loopsched/internal/adapter/periodic"
	"loopsched/internal/adapter/telegram"
	"loopsched/internal/config"
	"loopsched/internal/diag"
	"loopsched/internal/hostloop"
	"loopsched/internal/platform/logger"
	"loopsched/internal/scheduler"
	"loopsched/pkg/retry"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneSchedule   = "@hourly"
)

// defaultScheduler is the process-wide scheduler of the running App.
var defaultScheduler atomic.Pointer[scheduler.Scheduler]

// Default returns the process-wide scheduler, or nil before an App was built.
// The scheduler must only be used from the host loop goroutine (see App.Call).
func Default() *scheduler.Scheduler {
	return defaultScheduler.Load()
}

// Status is the snapshot served by the status surface.
type Status struct {
	Scheduler   scheduler.Stats    `json:"scheduler"`
	Pump        periodic.PumpStats `json:"pump"`
	Mailbox     MailboxStatus      `json:"mailbox"`
	Diagnostics []WriterStatus     `json:"diagnostics"`
}

// MailboxStatus holds mailbox counters.
type MailboxStatus struct {
	Pending   int    `json:"pending"`
	Posted    uint64 `json:"posted"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
}

// WriterStatus holds counters of one asynchronous diagnostic writer.
type WriterStatus struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type namedWriter struct {
	name  string
	async *diag.Async
}

// App wires application components.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	clock clock.Clock

	loop    *hostloop.Loop
	sched   *scheduler.Scheduler
	mailbox *mailbox.Mailbox
	pump    *periodic.Pump
	jobs    []*periodic.CronJob

	journal *journal.Journal
	alerter *telegram.Alerter
	writers []namedWriter
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "loopsched",
	})

	a, err := build(context.Background(), cfg, log, clock.New())
	if err != nil {
		_ = logger.Close(log)
		return nil, err
	}
	return a, nil
}

// build assembles components. Nothing runs until Run.
func build(ctx context.Context, cfg config.Config, log *slog.Logger, clk clock.Clock) (*App, error) {
	a := &App{cfg: cfg, log: log, clock: clk}

	a.loop = hostloop.New(hostloop.Config{
		Clock:  clk,
		Logger: logger.Component(log, "hostloop"),
	})

	reporters := []diag.Reporter{diag.NewLogReporter(logger.Component(log, "calls"))}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
		reporters = append(reporters, a.addWriter("journal", j, false))
	}

	if cfg.Telegram.Token != "" {
		alerter, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			Throttle: cfg.Telegram.Throttle,
			Retry:    retry.DefaultConfig(),
			Clock:    clk,
			Logger:   logger.Component(log, "telegram"),
		})
		if err != nil {
			a.closeJournal()
			return nil, err
		}
		a.alerter = alerter
		reporters = append(reporters, a.addWriter("telegram", alerter, true))
	}

	sched, err := scheduler.New(scheduler.Config{
		Timer:       a.loop,
		Clock:       clk,
		Reporter:    diag.Multi(reporters...),
		Logger:      logger.Component(log, "scheduler"),
		Resolution:  cfg.Scheduler.Resolution,
		Slack:       cfg.Scheduler.Slack,
		MinInterval: cfg.Scheduler.MinInterval,
	})
	if err != nil {
		a.closeJournal()
		return nil, err
	}
	a.sched = sched

	a.mailbox = mailbox.New(cfg.Pump.Mailbox, logger.Component(log, "mailbox"))
	a.pump = periodic.NewPump(sched, a.mailbox, periodic.PumpConfig{
		Interval:  cfg.Pump.Interval,
		MaxEvents: cfg.Pump.MaxEvents,
		Logger:    logger.Component(log, "pump"),
	})

	if cfg.Heartbeat.Cron != "" {
		job, err := periodic.NewCronJob(sched, cfg.Heartbeat.Cron, a.heartbeat, periodic.CronConfig{
			Name:   "heartbeat",
			Clock:  clk,
			Logger: logger.Component(log, "cron"),
		})
		if err != nil {
			a.closeJournal()
			return nil, err
		}
		a.jobs = append(a.jobs, job)
	}

	if a.journal != nil && cfg.Journal.Retention > 0 {
		job, err := periodic.NewCronJob(sched, pruneSchedule, a.pruneJournal, periodic.CronConfig{
			Name:   "journal-prune",
			Clock:  clk,
			Logger: logger.Component(log, "cron"),
		})
		if err != nil {
			a.closeJournal()
			return nil, err
		}
		a.jobs = append(a.jobs, job)
	}

	defaultScheduler.Store(sched)
	return a, nil
}

func (a *App) addWriter(name string, w diag.Writer, errorsOnly bool) diag.Reporter {
	async := diag.NewAsync(w, diag.AsyncConfig{
		Name:       name,
		ErrorsOnly: errorsOnly,
		Clock:      a.clock,
		Logger:     logger.Component(a.log, "diag"),
	})
	a.writers = append(a.writers, namedWriter{name: name, async: async})
	return async
}

// Call runs fn on the host loop goroutine, where the scheduler may be used.
func (a *App) Call(ctx context.Context, fn func(s *scheduler.Scheduler) error) error {
	return a.loop.Call(ctx, func() error { return fn(a.sched) })
}

// Run starts the application and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting",
		"pump_interval", a.cfg.Pump.Interval,
		"http_addr", a.cfg.HTTP.Addr,
		"journal", a.cfg.Journal.Path != "",
		"telegram_alerts", a.cfg.Telegram.Token != "",
	)
	defer func() { _ = logger.Close(a.log) }()
	defer a.closeJournal()

	for _, w := range a.writers {
		w.async.Start()
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- a.loop.Run(loopCtx) }()

	if err := a.loop.Call(ctx, a.startChains); err != nil {
		stopLoop()
		<-loopDone
		a.closeWriters()
		return fmt.Errorf("start chains: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.HTTP.Addr != "" {
		g.Go(func() error {
			return httpapi.Serve(gctx, httpapi.Config{
				Addr:           a.cfg.HTTP.Addr,
				Status:         httpapi.StatusFunc(a.status),
				Reports:        a.reportSource(),
				RequestTimeout: a.cfg.HTTP.RequestTimeout,
				Logger:         logger.Component(a.log, "http"),
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.loop.Call(shutdownCtx, a.stopChains); err != nil {
		a.log.Warn("failed to stop chains", "error", err)
	}
	stopLoop()
	if err := <-loopDone; err != nil {
		a.log.Warn("host loop stopped with error", "error", err)
	}
	a.closeWriters()

	a.log.Info("stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (a *App) startChains() error {
	if err := a.pump.Start(); err != nil {
		return err
	}
	for _, job := range a.jobs {
		if err := job.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) stopChains() error {
	a.pump.Stop()
	for _, job := range a.jobs {
		job.Stop()
	}
	return nil
}

// status collects the snapshot on the host loop through the mailbox, so the
// request is served only while the pump is running.
func (a *App) status(ctx context.Context) (any, error) {
	st, err := mailbox.Request(ctx, a.mailbox, func() (Status, error) {
		return Status{
			Scheduler: a.sched.Stats(),
			Pump:      a.pump.Stats(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	st.Mailbox.Pending = a.mailbox.Len()
	st.Mailbox.Posted, st.Mailbox.Processed, st.Mailbox.Rejected = a.mailbox.Stats()
	for _, w := range a.writers {
		st.Diagnostics = append(st.Diagnostics, WriterStatus{
			Name:    w.name,
			Written: w.async.Written(),
			Failed:  w.async.Failed(),
			Dropped: w.async.Dropped(),
		})
	}
	return st, nil
}

func (a *App) reportSource() httpapi.ReportSource {
	if a.journal == nil {
		return nil
	}
	return a.journal
}

func (a *App) heartbeat() error {
	st := a.sched.Stats()
	a.log.Info("scheduler heartbeat",
		"pending", st.Pending,
		"buckets", st.Buckets,
		"armed", st.Armed,
		"invoked", st.Invoked,
		"suppressed", st.Suppressed,
		"failed", st.Failed,
	)
	return nil
}

// pruneJournal runs on the host loop; the delete itself is bounded by a short timeout.
func (a *App) pruneJournal() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := a.journal.Prune(ctx, a.clock.Now().Add(-a.cfg.Journal.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("journal pruned", "deleted", n)
	}
	return nil
}

func (a *App) closeWriters() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, w := range a.writers {
		if err := w.async.Close(ctx); err != nil {
			a.log.Warn("diagnostic writer not drained", "writer", w.name, "error", err, "dropped", w.async.Dropped())
		}
	}
	if a.alerter != nil {
		a.alerter.Close()
	}
}

func (a *App) closeJournal() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn("failed to close journal", "error", err)
	}
	a.journal = nil
}
