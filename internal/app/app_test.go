package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopsched/internal/config"
	"loopsched/internal/scheduler"
	"loopsched/internal/shared"
)

func testConfig() config.Config {
	var c config.Config
	c.Env = "dev"
	c.Scheduler.Resolution = 10 * time.Millisecond
	c.Scheduler.Slack = 10 * time.Millisecond
	c.Scheduler.MinInterval = 10 * time.Millisecond
	c.Pump.Interval = 100 * time.Millisecond
	c.Pump.MaxEvents = 16
	c.Pump.Mailbox = 8
	c.Heartbeat.Cron = "@every 1m"
	c.HTTP.RequestTimeout = time.Second
	c.Journal.Retention = time.Hour
	return c
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startApp запускает приложение и ждёт старта цепочек прокачки.
func startApp(t *testing.T, cfg config.Config) (*App, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	a, err := build(context.Background(), cfg, testLogger(), clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("приложение не остановилось")
		}
	})

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var running bool
		err := a.loop.Call(ctx, func() error {
			running = a.pump.Running()
			return nil
		})
		return err == nil && running
	}, 2*time.Second, 10*time.Millisecond)

	return a, clk
}

func TestBuild_RegistersDefaultScheduler(t *testing.T) {
	a, err := build(context.Background(), testConfig(), testLogger(), clock.NewMock())
	require.NoError(t, err)

	assert.Same(t, a.sched, Default())
	assert.Nil(t, a.journal)
	assert.Empty(t, a.writers)
	assert.Len(t, a.jobs, 1, "только heartbeat: журнал выключен")
}

func TestBuild_InvalidHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Cron = "every now and then"

	_, err := build(context.Background(), cfg, testLogger(), clock.NewMock())
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}

func TestBuild_JournalAddsPruneJob(t *testing.T) {
	cfg := testConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

	a, err := build(context.Background(), cfg, testLogger(), clock.NewMock())
	require.NoError(t, err)
	t.Cleanup(a.closeJournal)

	require.NotNil(t, a.journal)
	assert.Len(t, a.jobs, 2)
	require.Len(t, a.writers, 1)
	assert.Equal(t, "journal", a.writers[0].name)
}

func TestApp_StatusThroughMailbox(t *testing.T) {
	cfg := testConfig()
	a, clk := startApp(t, cfg)

	type result struct {
		st  any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		st, err := a.status(ctx)
		resCh <- result{st, err}
	}()

	var res result
	require.Eventually(t, func() bool {
		clk.Add(cfg.Pump.Interval)
		select {
		case res = <-resCh:
			return true
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, res.err)
	st, ok := res.st.(Status)
	require.True(t, ok)
	assert.True(t, st.Pump.Running)
	assert.GreaterOrEqual(t, st.Pump.Ticks, uint64(1))
	assert.True(t, st.Scheduler.Armed)
	assert.Equal(t, uint64(1), st.Mailbox.Posted)
}

func TestApp_FailedCallLandsInJournal(t *testing.T) {
	cfg := testConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	a, clk := startApp(t, cfg)
	j := a.journal

	err := a.Call(context.Background(), func(s *scheduler.Scheduler) error {
		_, err := s.Schedule(func() error { return errors.New("disk quota exceeded") }, 20*time.Millisecond)
		return err
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Millisecond)
		entries, err := j.Recent(context.Background(), 10)
		return err == nil && len(entries) == 1
	}, 3*time.Second, 10*time.Millisecond)

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, entries[0].IsError)
	assert.Contains(t, entries[0].Message, "disk quota exceeded")
}
