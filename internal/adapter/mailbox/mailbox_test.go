package mailbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopsched/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pumpUntil прокачивает ящик в отдельной горутине, пока не закрыт stop.
func pumpUntil(m *Mailbox, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !m.DoOneEvent() {
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

func TestMailbox_DoOneEventRunsOneTask(t *testing.T) {
	m := New(4, testLogger())

	var order []int
	for i := 1; i <= 3; i++ {
		n := i
		require.NoError(t, m.Post(func() { order = append(order, n) }))
	}

	assert.True(t, m.DoOneEvent())
	assert.Equal(t, []int{1}, order)
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.DoOneEvent())
	assert.True(t, m.DoOneEvent())
	assert.False(t, m.DoOneEvent(), "пустой ящик не блокирует")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestMailbox_Full(t *testing.T) {
	m := New(1, testLogger())

	require.NoError(t, m.Post(func() {}))
	err := m.Post(func() {})

	assert.ErrorIs(t, err, ErrFull)
	assert.True(t, shared.IsDependencyFailure(err))

	posted, processed, rejected := m.Stats()
	assert.Equal(t, uint64(1), posted)
	assert.Equal(t, uint64(0), processed)
	assert.Equal(t, uint64(1), rejected)
}

func TestMailbox_PanickingTask(t *testing.T) {
	m := New(2, testLogger())

	require.NoError(t, m.Post(func() { panic("boom") }))
	assert.True(t, m.DoOneEvent())

	_, processed, _ := m.Stats()
	assert.Equal(t, uint64(1), processed)
}

func TestRequest_ReturnsResult(t *testing.T) {
	m := New(4, testLogger())
	stop := make(chan struct{})
	defer close(stop)
	pumpUntil(m, stop)

	v, err := Request(context.Background(), m, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	want := errors.New("failed")
	_, err = Request(context.Background(), m, func() (string, error) { return "", want })
	assert.ErrorIs(t, err, want)
}

func TestRequest_Panic(t *testing.T) {
	m := New(4, testLogger())
	stop := make(chan struct{})
	defer close(stop)
	pumpUntil(m, stop)

	_, err := Request(context.Background(), m, func() (int, error) { panic("boom") })
	assert.True(t, shared.IsInternal(err))
}

func TestRequest_Timeout(t *testing.T) {
	// прокачки нет: задача остаётся в ящике
	m := New(4, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Request(ctx, m, func() (int, error) { return 1, nil })
	assert.Equal(t, shared.KindTimeout, shared.KindOf(err))
	assert.Equal(t, 1, m.Len())
}

func TestRequest_Full(t *testing.T) {
	m := New(1, testLogger())
	require.NoError(t, m.Post(func() {}))

	_, err := Request(context.Background(), m, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrFull)
}
