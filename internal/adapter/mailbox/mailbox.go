// Package mailbox реализует вторичный цикл событий: задачи, отправленные из
// других горутин, выполняются по одной в горутине цикла хоста при прокачке.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"loopsched/internal/shared"
)

// DefaultCapacity - ёмкость ящика по умолчанию.
const DefaultCapacity = 64

// ErrFull возвращается, когда ящик заполнен и прокачка не успевает.
var ErrFull = shared.MarkKind(errors.New("mailbox: full"), shared.KindDependencyFailure)

// Mailbox - ограниченная очередь задач.
type Mailbox struct {
	tasks  chan func()
	logger *slog.Logger

	posted    atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
}

// New создает ящик заданной ёмкости.
func New(capacity int, logger *slog.Logger) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		tasks:  make(chan func(), capacity),
		logger: logger,
	}
}

// Post кладёт задачу без ожидания. При заполненном ящике возвращает ErrFull.
func (m *Mailbox) Post(fn func()) error {
	select {
	case m.tasks <- fn:
		m.posted.Add(1)
		return nil
	default:
		m.rejected.Add(1)
		return ErrFull
	}
}

// DoOneEvent выполняет не более одной задачи без блокировки.
func (m *Mailbox) DoOneEvent() bool {
	select {
	case fn := <-m.tasks:
		m.run(fn)
		return true
	default:
		return false
	}
}

// Len возвращает число ожидающих задач.
func (m *Mailbox) Len() int {
	return len(m.tasks)
}

// Stats возвращает счётчики: отправлено, выполнено, отклонено.
func (m *Mailbox) Stats() (posted, processed, rejected uint64) {
	return m.posted.Load(), m.processed.Load(), m.rejected.Load()
}

func (m *Mailbox) run(fn func()) {
	defer m.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("mailbox task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Request выполняет fn при прокачке и ждёт результата.
// Истечение ctx возвращает ошибку KindTimeout; результат fn в этом случае теряется.
func Request[T any](ctx context.Context, m *Mailbox, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	var zero T

	done := make(chan result, 1)
	err := m.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: shared.Recovered(r)}
				panic(r)
			}
		}()
		v, err := fn()
		done <- result{val: v, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: mailbox request: %w", shared.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}
