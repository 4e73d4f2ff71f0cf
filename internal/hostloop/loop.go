// Package hostloop implements the host message loop: a single goroutine that
// executes posted tasks in FIFO order and provides the timer facility the
// deferred-call scheduler is driven by.
package hostloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"loopsched/internal/scheduler"
	"loopsched/internal/shared"
)

// DefaultQueueSize - ёмкость очереди задач по умолчанию.
const DefaultQueueSize = 256

var (
	// ErrClosed возвращается при постановке задачи в остановленный цикл.
	ErrClosed = shared.MarkKind(errors.New("hostloop: loop closed"), shared.KindDependencyFailure)
	// ErrAlreadyRunning возвращается при повторном запуске Run.
	ErrAlreadyRunning = shared.MarkKind(errors.New("hostloop: already running"), shared.KindInternal)
)

// Config содержит конфигурацию цикла.
type Config struct {
	// Clock - источник времени и таймеров (по умолчанию системные часы).
	Clock clock.Clock
	// Logger - логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
	// QueueSize - ёмкость очереди задач.
	QueueSize int
}

// hostTimer - взведённый таймер. Поколение отличает актуальное срабатывание
// от запоздавшего срабатывания заменённого или снятого таймера.
type hostTimer struct {
	t        *clock.Timer
	gen      uint64
	interval time.Duration
	onFire   func()
}

// Loop - однопоточный цикл сообщений хоста.
// Все задачи и срабатывания таймеров выполняются в горутине Run.
type Loop struct {
	clock  clock.Clock
	logger *slog.Logger
	tasks  chan func()
	done   chan struct{}

	running  atomic.Bool
	stopOnce sync.Once

	mu     sync.Mutex
	timers map[scheduler.TimerID]*hostTimer
	lastID scheduler.TimerID
	gen    uint64
}

var _ scheduler.TimerPort = (*Loop)(nil)

// New создает цикл. Задачи начинают выполняться после вызова Run.
func New(cfg Config) *Loop {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	return &Loop{
		clock:  clk,
		logger: logger,
		tasks:  make(chan func(), size),
		done:   make(chan struct{}),
		timers: make(map[scheduler.TimerID]*hostTimer),
	}
}

// Run выполняет задачи до отмены ctx. После возврата цикл закрыт, а все таймеры сняты.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.close()

	l.logger.Info("host loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("host loop stopped", "pending_tasks", len(l.tasks))
			return nil
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

// Done закрывается после остановки цикла.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post ставит задачу в очередь. Блокируется, пока очередь заполнена.
// Нельзя вызывать из горутины цикла при заполненной очереди.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Call выполняет fn в горутине цикла и ждёт результата.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				result <- shared.Recovered(r)
			}
		}()
		result <- fn()
	}

	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctxErr(ctx)
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// Arm взводит повторяющийся таймер. Ненулевой id заменяет существующий таймер.
func (l *Loop) Arm(id scheduler.TimerID, interval time.Duration, onFire func()) scheduler.TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.timers[id]; ok && id != 0 {
		old.t.Stop()
	} else {
		l.lastID++
		id = l.lastID
	}

	l.gen++
	ht := &hostTimer{gen: l.gen, interval: interval, onFire: onFire}
	l.timers[id] = ht
	l.startLocked(id, ht)

	return id
}

// Disarm снимает таймер. Запоздавшее срабатывание будет отброшено.
func (l *Loop) Disarm(id scheduler.TimerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ht, ok := l.timers[id]; ok {
		ht.t.Stop()
		delete(l.timers, id)
	}
}

// Armed возвращает число взведённых таймеров.
func (l *Loop) Armed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) startLocked(id scheduler.TimerID, ht *hostTimer) {
	gen := ht.gen
	ht.t = l.clock.AfterFunc(ht.interval, func() {
		if err := l.Post(func() { l.fire(id, gen) }); err != nil {
			l.logger.Debug("timer fire dropped", "timer_id", id, "error", err)
		}
	})
}

// fire доставляет срабатывание в горутине цикла и перезапускает таймер на тот же интервал.
func (l *Loop) fire(id scheduler.TimerID, gen uint64) {
	l.mu.Lock()
	ht, ok := l.timers[id]
	if !ok || ht.gen != gen {
		l.mu.Unlock()
		l.logger.Debug("stale timer fire dropped", "timer_id", id)
		return
	}
	l.startLocked(id, ht)
	onFire := ht.onFire
	l.mu.Unlock()

	onFire()
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("host loop task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) close() {
	l.stopOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		for id, ht := range l.timers {
			ht.t.Stop()
			delete(l.timers, id)
		}
		l.mu.Unlock()
	})
}

// ctxErr помечает истечение дедлайна как KindTimeout.
func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", shared.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
