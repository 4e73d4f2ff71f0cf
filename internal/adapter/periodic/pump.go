// Package periodic содержит самоперепланирующиеся цепочки поверх планировщика
// отложенных вызовов: прокачку вторичного цикла событий и задачи по cron-расписанию.
//
// Каждая цепочка - последовательность одиночных вызовов: очередной тик планирует
// следующий. Остановка только снимает флаг, уже запланированный тик срабатывает
// один раз и завершает цепочку.
package periodic

import (
	"log/slog"
	"time"

	"loopsched/internal/scheduler"
)

const (
	// DefaultPumpInterval - интервал прокачки по умолчанию.
	DefaultPumpInterval = time.Second
	// DefaultMaxEvents - максимум событий, обрабатываемых за один тик.
	DefaultMaxEvents = 64
)

// Scheduler - часть планировщика, нужная цепочкам.
type Scheduler interface {
	Schedule(fn scheduler.Func, delay time.Duration) (scheduler.CallID, error)
}

// EventLoop - вторичный цикл событий. DoOneEvent обрабатывает не более одного
// готового события без блокировки и сообщает, было ли оно.
type EventLoop interface {
	DoOneEvent() bool
}

// PumpConfig содержит конфигурацию прокачки.
type PumpConfig struct {
	// Interval - интервал между тиками.
	Interval time.Duration
	// MaxEvents - максимум событий за тик.
	MaxEvents int
	// Logger - логгер.
	Logger *slog.Logger
}

// PumpStats - снимок состояния прокачки.
type PumpStats struct {
	Running bool   `json:"running"`
	Ticks   uint64 `json:"ticks"`
	Events  uint64 `json:"events"`
}

// Pump периодически прокачивает вторичный цикл событий из цикла хоста.
// Как и планировщик, используется только из горутины цикла хоста.
type Pump struct {
	sched     Scheduler
	loop      EventLoop
	interval  time.Duration
	maxEvents int
	logger    *slog.Logger

	running bool
	gen     uint64
	ticks   uint64
	events  uint64
}

// NewPump создает прокачку. Для запуска вызовите Start.
func NewPump(sched Scheduler, loop EventLoop, cfg PumpConfig) *Pump {
	interval := cfg.Interval
	if interval < scheduler.MinDelay {
		interval = DefaultPumpInterval
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pump{
		sched:     sched,
		loop:      loop,
		interval:  interval,
		maxEvents: maxEvents,
		logger:    logger,
	}
}

// Start запускает цепочку тиков. Повторный вызов для запущенной прокачки ничего не делает.
func (p *Pump) Start() error {
	if p.running {
		return nil
	}

	p.gen++
	gen := p.gen
	if _, err := p.sched.Schedule(func() error { return p.tick(gen) }, p.interval); err != nil {
		return err
	}
	p.running = true

	p.logger.Info("pump started", "interval", p.interval, "max_events", p.maxEvents)
	return nil
}

// Stop снимает флаг работы. Уже запланированный тик сработает и завершит цепочку.
func (p *Pump) Stop() {
	if !p.running {
		return
	}
	p.running = false
	p.logger.Info("pump stopped", "ticks", p.ticks, "events", p.events)
}

// Running сообщает, запущена ли прокачка.
func (p *Pump) Running() bool {
	return p.running
}

// Stats возвращает снимок состояния.
func (p *Pump) Stats() PumpStats {
	return PumpStats{Running: p.running, Ticks: p.ticks, Events: p.events}
}

// tick прокачивает события и планирует следующий тик.
// Тик чужого поколения (остановка и повторный запуск) завершает старую цепочку.
func (p *Pump) tick(gen uint64) error {
	if !p.running || gen != p.gen {
		p.logger.Debug("pump chain ended", "generation", gen)
		return nil
	}

	// следующий тик планируется до обработки событий, чтобы паника в событии не рвала цепочку
	if _, err := p.sched.Schedule(func() error { return p.tick(gen) }, p.interval); err != nil {
		p.running = false
		return err
	}

	p.ticks++
	n := 0
	for n < p.maxEvents && p.loop.DoOneEvent() {
		n++
		p.events++
	}

	p.logger.Debug("pump tick", "tick", p.ticks, "events", n)
	return nil
}
