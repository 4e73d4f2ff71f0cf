package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"

	"loopsched/internal/shared"
)

const (
	// MinDelay - минимально допустимая задержка вызова.
	MinDelay = time.Millisecond
	// DefaultDelay - задержка по умолчанию для вызывающих без собственного значения.
	DefaultDelay = time.Second
	// DefaultSlack добавляется к интервалу таймера, чтобы поглотить дрожание таймера ОС.
	DefaultSlack = 10 * time.Millisecond
	// DefaultMinInterval - нижняя граница интервала таймера.
	DefaultMinInterval = 10 * time.Millisecond
)

// Ошибки планировщика.
var (
	ErrInvalidDelay = shared.MarkKind(errors.New("scheduler: invalid delay"), shared.KindValidation)
	ErrNilFunc      = shared.MarkKind(errors.New("scheduler: nil func"), shared.KindValidation)
	ErrEmptyBatch   = shared.MarkKind(errors.New("scheduler: empty batch"), shared.KindValidation)
	ErrNoTimer      = shared.MarkKind(errors.New("scheduler: timer port required"), shared.KindValidation)
)

// Func представляет отложенный вызов.
type Func func() error

// CallID идентифицирует отложенный вызов. Выдаётся Schedule, принимается Cancel.
// Нулевое значение никогда не выдаётся.
type CallID uint64

// Reporter принимает диагностические сообщения. Nil допустим: сообщения отбрасываются.
type Reporter interface {
	Report(message string, isError bool)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	// Timer - таймер хоста (обязательно).
	Timer TimerPort
	// Clock - источник времени (по умолчанию системные часы).
	Clock clock.Clock
	// Reporter - приёмник ошибок вызовов (необязательно).
	Reporter Reporter
	// Logger - логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
	// Resolution - шаг округления моментов срабатывания.
	Resolution time.Duration
	// Slack - запас, добавляемый к интервалу таймера.
	Slack time.Duration
	// MinInterval - минимальный интервал таймера.
	MinInterval time.Duration
}

// Stats - снимок состояния планировщика.
type Stats struct {
	Pending    int        `json:"pending"`
	Buckets    int        `json:"buckets"`
	Cancels    int        `json:"cancels"`
	Armed      bool       `json:"armed"`
	NextDue    *time.Time `json:"next_due,omitempty"`
	Invoked    uint64     `json:"invoked"`
	Suppressed uint64     `json:"suppressed"`
	Failed     uint64     `json:"failed"`
}

// Scheduler выполняет отложенные вызовы в цикле сообщений хоста.
// Не безопасен для конкурентного использования: все методы вызываются
// из горутины, в которой TimerPort доставляет срабатывания.
type Scheduler struct {
	clock       clock.Clock
	timer       TimerPort
	reporter    Reporter
	logger      *slog.Logger
	slack       time.Duration
	minInterval time.Duration

	queue   *DelayQueue
	cancels *CancelSet
	pending map[CallID]struct{}
	lastID  CallID
	timerID TimerID

	flushing   bool
	needUpdate bool

	invoked    uint64
	suppressed uint64
	failed     uint64
}

// New создает планировщик.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Timer == nil {
		return nil, ErrNoTimer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	slack := cfg.Slack
	if slack <= 0 {
		slack = DefaultSlack
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}

	return &Scheduler{
		clock:       clk,
		timer:       cfg.Timer,
		reporter:    cfg.Reporter,
		logger:      logger,
		slack:       slack,
		minInterval: minInterval,
		queue:       NewDelayQueue(cfg.Resolution),
		cancels:     NewCancelSet(),
		pending:     make(map[CallID]struct{}),
	}, nil
}

// Schedule откладывает вызов fn на delay.
func (s *Scheduler) Schedule(fn Func, delay time.Duration) (CallID, error) {
	return s.ScheduleBatch([]Func{fn}, delay)
}

// ScheduleBatch откладывает несколько вызовов с общим моментом срабатывания.
// Вызовы выполняются в переданном порядке в рамках одного сброса очереди.
// Возвращает идентификатор первого вызова; остальные получают следующие по порядку.
func (s *Scheduler) ScheduleBatch(fns []Func, delay time.Duration) (CallID, error) {
	if delay < MinDelay {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDelay, delay)
	}
	if len(fns) == 0 {
		return 0, ErrEmptyBatch
	}
	for _, fn := range fns {
		if fn == nil {
			return 0, ErrNilFunc
		}
	}

	// Сначала выполняем уже просроченные вызовы, чтобы очередь не копила их при частом планировании
	if !s.flushing {
		s.flush(false)
	}

	due := s.queue.DueAt(s.clock.Now().Add(delay))
	earliest, ok := s.queue.Earliest()
	needUpdate := !ok || due <= earliest

	first := s.lastID + 1
	for _, fn := range fns {
		s.lastID++
		s.queue.Insert(due, s.lastID, fn)
		s.pending[s.lastID] = struct{}{}
	}

	s.logger.Debug("call scheduled", "id", first, "count", len(fns), "delay", delay, "due", due)

	if needUpdate {
		s.requestUpdate()
	}
	return first, nil
}

// Cancel подавляет один будущий вызов с идентификатором id.
// Для уже выполненного вызова ничего не делает. Отметка для ещё не выданного
// идентификатора сохраняется до появления соответствующего вызова.
func (s *Scheduler) Cancel(id CallID) {
	if id == 0 {
		return
	}
	if _, ok := s.pending[id]; !ok && id <= s.lastID {
		return
	}
	s.cancels.Add(id)
	s.logger.Debug("call cancelled", "id", id)
}

// OnTick - обработчик срабатывания таймера хоста. Ничего не пробрасывает в код хоста.
func (s *Scheduler) OnTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("tick handler panic swallowed", "panic", r)
		}
	}()
	s.flush(true)
}

// Flush выполняет все наступившие вызовы и перепрограммирует таймер.
// Вложенный вызов во время сброса ничего не делает.
func (s *Scheduler) Flush() {
	s.flush(true)
}

// Stats возвращает снимок состояния.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Pending:    s.queue.Len(),
		Buckets:    s.queue.Buckets(),
		Cancels:    s.cancels.Len(),
		Armed:      s.timerID != 0,
		Invoked:    s.invoked,
		Suppressed: s.suppressed,
		Failed:     s.failed,
	}
	if due, ok := s.queue.Earliest(); ok {
		t := due.Time()
		st.NextDue = &t
	}
	return st
}

// flush выполняет наступившие вызовы; при update перепрограммирует таймер.
func (s *Scheduler) flush(update bool) {
	if s.flushing {
		return
	}
	s.flushing = true
	defer func() { s.flushing = false }()

	s.runDue()

	if update || s.needUpdate {
		s.reprogram()
	}
}

func (s *Scheduler) runDue() {
	now := s.queue.DueAt(s.clock.Now())
	for _, b := range s.queue.PopDue(now) {
		for _, e := range b.entries {
			delete(s.pending, e.id)
			// Отмена проверяется непосредственно перед вызовом
			if s.cancels.Take(e.id) {
				s.suppressed++
				s.logger.Debug("call suppressed", "id", e.id, "due", b.Due)
				continue
			}
			s.invoke(e)
		}
	}
}

// invoke выполняет вызов, изолируя ошибки и паники.
func (s *Scheduler) invoke(e entry) {
	s.invoked++

	defer func() {
		if r := recover(); r != nil {
			s.failed++
			s.report(fmt.Sprintf("call %d panicked: %v\n%s", e.id, r, debug.Stack()), true)
		}
	}()

	if err := e.fn(); err != nil {
		s.failed++
		s.report(fmt.Sprintf("call %d failed: %v", e.id, err), true)
	}
}

func (s *Scheduler) report(msg string, isError bool) {
	if s.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("reporter panicked", "panic", r)
		}
	}()
	s.reporter.Report(msg, isError)
}

// requestUpdate перепрограммирует таймер сразу или, во время сброса, по его окончании.
func (s *Scheduler) requestUpdate() {
	if s.flushing {
		s.needUpdate = true
		return
	}
	s.reprogram()
}

// reprogram взводит единственный таймер на ближайший вызов или снимает его.
func (s *Scheduler) reprogram() {
	s.needUpdate = false

	earliest, ok := s.queue.Earliest()
	if !ok {
		if s.timerID != 0 {
			s.timer.Disarm(s.timerID)
			s.timerID = 0
			s.logger.Debug("timer disarmed")
		}
		return
	}

	interval := addSaturating(earliest.Time().Sub(s.clock.Now()), s.slack)
	if interval < s.minInterval {
		interval = s.minInterval
	}
	s.timerID = s.timer.Arm(s.timerID, interval, s.OnTick)
	s.logger.Debug("timer armed", "interval", interval, "due", earliest)
}

// addSaturating складывает длительности, не переходя через math.MaxInt64.
func addSaturating(d, extra time.Duration) time.Duration {
	if d > math.MaxInt64-extra {
		return math.MaxInt64
	}
	return d + extra
}
