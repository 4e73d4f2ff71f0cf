package periodic

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"loopsched/internal/scheduler"
	"loopsched/internal/shared"
)

// cronParser принимает 5 и 6 полей (секунды необязательны) и дескрипторы вида "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule разбирает cron-расписание.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("invalid cron schedule %q: %w", spec, err), shared.KindValidation)
	}
	return s, nil
}

// CronConfig содержит конфигурацию cron-задачи.
type CronConfig struct {
	// Name - имя задачи для логирования.
	Name string
	// Clock - источник времени для вычисления следующего запуска.
	Clock clock.Clock
	// Logger - логгер.
	Logger *slog.Logger
}

// CronJob выполняет fn по cron-расписанию цепочкой одиночных вызовов планировщика.
// Ошибки и паники fn обрабатывает планировщик.
type CronJob struct {
	sched    Scheduler
	schedule cron.Schedule
	spec     string
	fn       scheduler.Func
	name     string
	clock    clock.Clock
	logger   *slog.Logger

	running bool
	gen     uint64
	runs    uint64
	next    time.Time
}

// NewCronJob создает задачу. Для запуска вызовите Start.
func NewCronJob(sched Scheduler, spec string, fn scheduler.Func, cfg CronConfig) (*CronJob, error) {
	if fn == nil {
		return nil, scheduler.ErrNilFunc
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	name := cfg.Name
	if name == "" {
		name = "unnamed"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CronJob{
		sched:    sched,
		schedule: schedule,
		spec:     spec,
		fn:       fn,
		name:     name,
		clock:    clk,
		logger:   logger.With("job", name),
	}, nil
}

// Start планирует первый запуск.
func (j *CronJob) Start() error {
	if j.running {
		return nil
	}

	j.gen++
	if err := j.scheduleNext(j.gen); err != nil {
		return err
	}
	j.running = true

	j.logger.Info("cron job started", "schedule", j.spec, "next", j.next)
	return nil
}

// Stop снимает флаг работы; запланированный запуск завершит цепочку без вызова fn.
func (j *CronJob) Stop() {
	if !j.running {
		return
	}
	j.running = false
	j.logger.Info("cron job stopped", "runs", j.runs)
}

// Running сообщает, запущена ли задача.
func (j *CronJob) Running() bool {
	return j.running
}

// Next возвращает время следующего запланированного запуска.
func (j *CronJob) Next() time.Time {
	return j.next
}

func (j *CronJob) scheduleNext(gen uint64) error {
	now := j.clock.Now()
	next := j.schedule.Next(now)
	if next.IsZero() {
		return shared.MarkKind(fmt.Errorf("cron schedule %q has no future activations", j.spec), shared.KindValidation)
	}

	delay := next.Sub(now)
	if delay < scheduler.MinDelay {
		delay = scheduler.MinDelay
	}
	if _, err := j.sched.Schedule(func() error { return j.run(gen) }, delay); err != nil {
		return err
	}
	j.next = next
	return nil
}

func (j *CronJob) run(gen uint64) error {
	if !j.running || gen != j.gen {
		j.logger.Debug("cron chain ended", "generation", gen)
		return nil
	}

	if err := j.scheduleNext(gen); err != nil {
		j.running = false
		j.logger.Error("failed to schedule next cron run", "error", err)
		return err
	}

	j.runs++
	start := j.clock.Now()
	err := j.fn()
	j.logger.Debug("cron job finished", "run", j.runs, "duration", j.clock.Since(start), "next", j.next)
	return err
}
