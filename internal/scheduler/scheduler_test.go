package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopsched/internal/shared"
)

// fakeTimer - управляемый вручную таймер хоста.
type fakeTimer struct {
	lastID     TimerID
	id         TimerID
	armed      bool
	interval   time.Duration
	arms       int
	disarms    int
	panicOnArm bool
	onFire     func()
}

func (f *fakeTimer) Arm(id TimerID, interval time.Duration, onFire func()) TimerID {
	if f.panicOnArm {
		panic("host timer unavailable")
	}
	if id == 0 {
		f.lastID++
		id = f.lastID
	}
	f.id = id
	f.armed = true
	f.interval = interval
	f.onFire = onFire
	f.arms++
	return id
}

func (f *fakeTimer) Disarm(id TimerID) {
	f.armed = false
	f.disarms++
}

type report struct {
	msg     string
	isError bool
}

type recordingReporter struct {
	reports []report
}

func (r *recordingReporter) Report(message string, isError bool) {
	r.reports = append(r.reports, report{msg: message, isError: isError})
}

type fixture struct {
	s        *Scheduler
	clock    *clock.Mock
	timer    *fakeTimer
	reporter *recordingReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(epoch)
	timer := &fakeTimer{}
	reporter := &recordingReporter{}

	s, err := New(Config{
		Timer:    timer,
		Clock:    clk,
		Reporter: reporter,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	return &fixture{s: s, clock: clk, timer: timer, reporter: reporter}
}

// tick продвигает часы и доставляет срабатывание таймера.
func (f *fixture) tick(d time.Duration) {
	f.clock.Add(d)
	f.s.OnTick()
}

func counter(n *int) Func {
	return func() error {
		*n++
		return nil
	}
}

func TestScheduler_NewRequiresTimer(t *testing.T) {
	s, err := New(Config{})

	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrNoTimer)
	assert.True(t, shared.IsValidation(err))
}

func TestScheduler_NewDefaults(t *testing.T) {
	s, err := New(Config{Timer: &fakeTimer{}})
	require.NoError(t, err)

	assert.NotNil(t, s.clock)
	assert.NotNil(t, s.logger)
	assert.Equal(t, DefaultSlack, s.slack)
	assert.Equal(t, DefaultMinInterval, s.minInterval)
	assert.Equal(t, DefaultResolution, s.queue.Resolution())
}

func TestScheduler_FiresOnceAndDisarms(t *testing.T) {
	f := newFixture(t)

	var calls int
	id, err := f.s.Schedule(counter(&calls), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, CallID(1), id)

	require.True(t, f.timer.armed)
	assert.Equal(t, 20*time.Millisecond, f.timer.interval, "задержка плюс запас 10ms")

	f.tick(20 * time.Millisecond)

	assert.Equal(t, 1, calls)
	assert.True(t, f.s.queue.Empty())
	assert.False(t, f.timer.armed)
	assert.Equal(t, 1, f.timer.disarms)
	assert.False(t, f.s.Stats().Armed)
}

func TestScheduler_NeverFiresEarly(t *testing.T) {
	f := newFixture(t)

	var calls int
	_, err := f.s.Schedule(counter(&calls), 100*time.Millisecond)
	require.NoError(t, err)

	f.tick(80 * time.Millisecond)
	assert.Equal(t, 0, calls, "вызов не должен выполняться раньше срока")
	require.True(t, f.timer.armed)
	assert.Equal(t, 30*time.Millisecond, f.timer.interval)

	f.tick(20 * time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestScheduler_FarFutureDelayNeverFiresEarly(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
	}{
		{"max duration", math.MaxInt64},
		{"250 years", 250 * 365 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			var calls int
			_, err := f.s.Schedule(counter(&calls), tt.delay)
			require.NoError(t, err)

			due, ok := f.s.queue.Earliest()
			require.True(t, ok)
			assert.True(t, due.Time().After(epoch.Add(tt.delay-time.Second)), "момент срабатывания %s", due.Time())
			require.True(t, f.timer.armed)
			assert.Greater(t, f.timer.interval, 24*time.Hour)

			f.tick(20 * time.Millisecond)
			assert.Equal(t, 0, calls)
			assert.Equal(t, 1, f.s.Stats().Pending)
			assert.Greater(t, f.timer.interval, 24*time.Hour, "таймер не опускается до минимального интервала")
		})
	}
}

func TestAddSaturating(t *testing.T) {
	assert.Equal(t, 30*time.Millisecond, addSaturating(20*time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, time.Duration(math.MaxInt64), addSaturating(math.MaxInt64-5, 10*time.Millisecond))
}

func TestScheduler_InvalidDelay(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
	}{
		{"zero", 0},
		{"negative", -time.Second},
		{"below minimum", 999 * time.Microsecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			id, err := f.s.Schedule(nop, tt.delay)

			assert.Equal(t, CallID(0), id)
			assert.ErrorIs(t, err, ErrInvalidDelay)
			assert.True(t, shared.IsValidation(err))
			assert.True(t, f.s.queue.Empty())
			assert.Equal(t, 0, f.timer.arms)
		})
	}

	t.Run("minimum accepted", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.s.Schedule(nop, MinDelay)
		assert.NoError(t, err)
	})
}

func TestScheduler_RejectsNilAndEmpty(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.Schedule(nil, time.Second)
	assert.ErrorIs(t, err, ErrNilFunc)

	_, err = f.s.ScheduleBatch(nil, time.Second)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = f.s.ScheduleBatch([]Func{nop, nil}, time.Second)
	assert.ErrorIs(t, err, ErrNilFunc)

	assert.True(t, f.s.queue.Empty(), "частично валидный пакет не должен попадать в очередь")
}

func TestScheduler_CancelBeforeDue(t *testing.T) {
	f := newFixture(t)

	var fCalls, gCalls int
	fID, err := f.s.Schedule(counter(&fCalls), 10*time.Millisecond)
	require.NoError(t, err)
	_, err = f.s.Schedule(counter(&gCalls), 10*time.Millisecond)
	require.NoError(t, err)

	f.s.Cancel(fID)
	assert.True(t, f.s.cancels.Contains(fID))

	f.tick(20 * time.Millisecond)

	assert.Equal(t, 0, fCalls)
	assert.Equal(t, 1, gCalls, "отмена не должна затрагивать другие вызовы")
	assert.False(t, f.s.cancels.Contains(fID), "отметка снимается после подавления")
	assert.Equal(t, uint64(1), f.s.Stats().Suppressed)
}

func TestScheduler_CancelAfterFireIsNoop(t *testing.T) {
	f := newFixture(t)

	id, err := f.s.Schedule(nop, 10*time.Millisecond)
	require.NoError(t, err)
	f.tick(20 * time.Millisecond)

	f.s.Cancel(id)
	f.s.Cancel(0)

	assert.Equal(t, 0, f.s.cancels.Len())
}

func TestScheduler_PreemptiveCancel(t *testing.T) {
	f := newFixture(t)

	// идентификатор 1 ещё не выдан
	f.s.Cancel(1)
	assert.True(t, f.s.cancels.Contains(1))

	var calls int
	id, err := f.s.Schedule(counter(&calls), 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, CallID(1), id)

	f.tick(20 * time.Millisecond)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, f.s.cancels.Len())
}

func TestScheduler_BatchRunsInOrder(t *testing.T) {
	f := newFixture(t)

	var order []int
	fn := func(n int) Func {
		return func() error {
			order = append(order, n)
			return nil
		}
	}

	id, err := f.s.ScheduleBatch([]Func{fn(1), fn(2), fn(3)}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, CallID(1), id)
	assert.Equal(t, 1, f.s.queue.Buckets(), "пакет занимает одну корзину")
	assert.Equal(t, 3, f.s.queue.Len())

	f.tick(60 * time.Millisecond)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestScheduler_CancelBatchSuppressesFirstOnly(t *testing.T) {
	f := newFixture(t)

	var order []int
	fn := func(n int) Func {
		return func() error {
			order = append(order, n)
			return nil
		}
	}

	id, err := f.s.ScheduleBatch([]Func{fn(1), fn(2)}, 10*time.Millisecond)
	require.NoError(t, err)
	f.s.Cancel(id)

	f.tick(20 * time.Millisecond)

	assert.Equal(t, []int{2}, order)
}

func TestScheduler_EmptyFlushNeverArms(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.s.Flush()
		f.s.OnTick()
	}

	assert.Equal(t, 0, f.timer.arms)
	assert.Equal(t, 0, f.timer.disarms)

	_, err := f.s.Schedule(nop, 10*time.Millisecond)
	require.NoError(t, err)
	f.tick(20 * time.Millisecond)
	arms := f.timer.arms

	for i := 0; i < 5; i++ {
		f.tick(time.Second)
	}

	assert.Equal(t, arms, f.timer.arms, "пустая очередь не должна перевзводить таймер")
	assert.Equal(t, 1, f.timer.disarms)
}

func TestScheduler_EarliestDueDrivesTimer(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.Schedule(nop, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second+DefaultSlack, f.timer.interval)

	_, err = f.s.Schedule(nop, time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second+DefaultSlack, f.timer.interval)
	arms := f.timer.arms

	_, err = f.s.Schedule(nop, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, arms, f.timer.arms, "более поздний вызов не перевзводит таймер")

	f.tick(time.Second)
	assert.Equal(t, 2*time.Second+DefaultSlack, f.timer.interval)
	assert.Equal(t, TimerID(1), f.timer.id, "таймер перевзводится, а не создаётся заново")
}

func TestScheduler_MinIntervalFloor(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.Schedule(nop, 10*time.Millisecond)
	require.NoError(t, err)

	// таймер хоста опоздал: вызов уже просрочен в момент перепрограммирования
	f.clock.Add(500 * time.Millisecond)
	f.s.reprogram()

	assert.Equal(t, DefaultMinInterval, f.timer.interval)
}

func TestScheduler_ErrorIsolation(t *testing.T) {
	f := newFixture(t)

	var third int
	_, err := f.s.ScheduleBatch([]Func{
		func() error { return errors.New("boom") },
		func() error { panic("kaboom") },
		counter(&third),
	}, 10*time.Millisecond)
	require.NoError(t, err)

	assert.NotPanics(t, func() { f.tick(20 * time.Millisecond) })

	assert.Equal(t, 1, third, "ошибки не должны прерывать сброс")
	require.Len(t, f.reporter.reports, 2)
	assert.True(t, f.reporter.reports[0].isError)
	assert.Equal(t, "call 1 failed: boom", f.reporter.reports[0].msg)
	assert.True(t, strings.HasPrefix(f.reporter.reports[1].msg, "call 2 panicked: kaboom"))

	st := f.s.Stats()
	assert.Equal(t, uint64(3), st.Invoked)
	assert.Equal(t, uint64(2), st.Failed)
}

func TestScheduler_NilReporterDropsSilently(t *testing.T) {
	s, err := New(Config{Timer: &fakeTimer{}, Clock: clock.NewMock()})
	require.NoError(t, err)

	_, err = s.Schedule(func() error { return errors.New("lost") }, 10*time.Millisecond)
	require.NoError(t, err)

	s.clock.(*clock.Mock).Add(20 * time.Millisecond)
	assert.NotPanics(t, s.OnTick)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestScheduler_PanickingReporterIsContained(t *testing.T) {
	f := newFixture(t)
	f.s.reporter = reporterFunc(func(string, bool) { panic("sink down") })

	var after int
	_, err := f.s.ScheduleBatch([]Func{
		func() error { return errors.New("boom") },
		counter(&after),
	}, 10*time.Millisecond)
	require.NoError(t, err)

	assert.NotPanics(t, func() { f.tick(20 * time.Millisecond) })
	assert.Equal(t, 1, after)
}

type reporterFunc func(string, bool)

func (f reporterFunc) Report(msg string, isError bool) { f(msg, isError) }

func TestScheduler_OnTickSwallowsPanics(t *testing.T) {
	f := newFixture(t)

	_, err := f.s.ScheduleBatch([]Func{nop}, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = f.s.Schedule(nop, time.Second)
	require.NoError(t, err)

	f.timer.panicOnArm = true
	assert.NotPanics(t, func() { f.tick(20 * time.Millisecond) })
	assert.False(t, f.s.flushing, "флаг сброса снимается после паники")
}

func TestScheduler_ScheduleFromRunningCall(t *testing.T) {
	f := newFixture(t)

	var inner int
	var armsDuringFlush int
	outer := func() error {
		_, err := f.s.Schedule(counter(&inner), 30*time.Millisecond)
		armsDuringFlush = f.timer.arms
		return err
	}

	_, err := f.s.Schedule(outer, 10*time.Millisecond)
	require.NoError(t, err)
	armsBefore := f.timer.arms

	f.tick(20 * time.Millisecond)

	assert.Equal(t, armsBefore, armsDuringFlush, "таймер не перепрограммируется внутри сброса")
	require.True(t, f.timer.armed)
	assert.Equal(t, 40*time.Millisecond, f.timer.interval)

	f.tick(30 * time.Millisecond)
	assert.Equal(t, 1, inner)
	assert.False(t, f.timer.armed)
}

func TestScheduler_NestedFlushIsNoop(t *testing.T) {
	f := newFixture(t)

	var second int
	_, err := f.s.Schedule(func() error {
		f.s.Flush()
		return nil
	}, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = f.s.Schedule(counter(&second), 10*time.Millisecond)
	require.NoError(t, err)

	f.tick(20 * time.Millisecond)

	assert.Equal(t, 1, second, "вложенный сброс не должен выполнять вызов повторно")
}

func TestScheduler_CancelFromEarlierCallInSamePass(t *testing.T) {
	f := newFixture(t)

	var victim CallID
	var victimCalls int
	_, err := f.s.Schedule(func() error {
		f.s.Cancel(victim)
		return nil
	}, 10*time.Millisecond)
	require.NoError(t, err)
	victim, err = f.s.Schedule(counter(&victimCalls), 10*time.Millisecond)
	require.NoError(t, err)

	f.tick(20 * time.Millisecond)

	assert.Equal(t, 0, victimCalls)
}

func TestScheduler_EagerFlushOnSchedule(t *testing.T) {
	f := newFixture(t)

	var calls int
	_, err := f.s.Schedule(counter(&calls), 10*time.Millisecond)
	require.NoError(t, err)

	// срабатывание таймера ещё не доставлено
	f.clock.Add(20 * time.Millisecond)

	_, err = f.s.Schedule(nop, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, f.s.queue.Len())
	assert.Equal(t, time.Second+DefaultSlack, f.timer.interval)
}

func TestScheduler_Stats(t *testing.T) {
	f := newFixture(t)

	st := f.s.Stats()
	assert.Nil(t, st.NextDue)
	assert.False(t, st.Armed)

	id, err := f.s.ScheduleBatch([]Func{nop, nop}, 100*time.Millisecond)
	require.NoError(t, err)
	_, err = f.s.Schedule(nop, time.Second)
	require.NoError(t, err)
	f.s.Cancel(id)

	st = f.s.Stats()
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, 2, st.Buckets)
	assert.Equal(t, 1, st.Cancels)
	assert.True(t, st.Armed)
	require.NotNil(t, st.NextDue)
	assert.True(t, st.NextDue.Equal(epoch.Add(100*time.Millisecond)))
}
