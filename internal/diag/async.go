package diag

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBufferSize - ёмкость буфера асинхронного writer'а по умолчанию.
const DefaultBufferSize = 128

// DefaultWriteTimeout ограничивает одну запись во writer.
const DefaultWriteTimeout = 10 * time.Second

// AsyncConfig содержит конфигурацию асинхронного reporter'а.
type AsyncConfig struct {
	// Name - имя writer'а для логирования.
	Name string
	// Buffer - ёмкость буфера сообщений.
	Buffer int
	// ErrorsOnly - пропускать только сообщения об ошибках.
	ErrorsOnly bool
	// WriteTimeout - таймаут одной записи.
	WriteTimeout time.Duration
	// Clock - источник времени для меток сообщений.
	Clock clock.Clock
	// Logger - логгер.
	Logger *slog.Logger
}

// Async передаёт сообщения во Writer в отдельной горутине.
// Report никогда не блокируется: при заполненном буфере сообщение отбрасывается.
type Async struct {
	w       Writer
	cfg     AsyncConfig
	logger  *slog.Logger
	entries chan Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

// NewAsync создает асинхронный reporter поверх w. Запись начинается после Start.
func NewAsync(w Writer, cfg AsyncConfig) *Async {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Name == "" {
		cfg.Name = "unnamed"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Async{
		w:       w,
		cfg:     cfg,
		logger:  logger.With("writer", cfg.Name),
		entries: make(chan Entry, cfg.Buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start запускает горутину записи.
func (a *Async) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.loop()
	})
}

// Report ставит сообщение в буфер.
func (a *Async) Report(message string, isError bool) {
	if a.cfg.ErrorsOnly && !isError {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}

	select {
	case a.entries <- Entry{Time: a.cfg.Clock.Now(), Message: message, IsError: isError}:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("diagnostic buffer full, report dropped", "dropped_total", n)
		}
	}
}

// Close прекращает приём сообщений и дописывает буфер. Ожидание ограничено ctx;
// по его истечении незаписанные сообщения отбрасываются.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.entries)
		a.mu.Unlock()
	})
	a.Start()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

// Dropped возвращает число отброшенных сообщений.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed возвращает число неудачных записей.
func (a *Async) Failed() uint64 { return a.failed.Load() }

// Written возвращает число успешных записей.
func (a *Async) Written() uint64 { return a.written.Load() }

func (a *Async) loop() {
	defer a.wg.Done()
	defer a.cancel()

	for e := range a.entries {
		if a.ctx.Err() != nil {
			a.dropped.Add(1)
			continue
		}
		a.write(e)
	}
}

func (a *Async) write(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			a.failed.Add(1)
			a.logger.Error("diagnostic writer panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.WriteTimeout)
	defer cancel()

	if err := a.w.WriteEntry(ctx, e); err != nil {
		a.failed.Add(1)
		a.logger.Error("diagnostic write failed", "error", err)
		return
	}
	a.written.Add(1)
}
