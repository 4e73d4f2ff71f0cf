// Package scheduler provides deferred calls for a single-threaded host message loop.
//
// Features:
//   - One host timer serves every pending call (TimerPort)
//   - Due times bucketed at a fixed resolution (10ms by default)
//   - Batches that share one due time and run in order within one flush
//   - Cancellation by CallID with one-shot suppression
//   - Per-call error and panic isolation reported to a diagnostic sink
//   - Re-entrancy guard: calls may schedule or cancel other calls while running
//
// Basic usage (on the loop goroutine):
//
//	s, err := scheduler.New(scheduler.Config{
//		Timer:    loop,     // hostloop.Loop implements TimerPort
//		Reporter: reporter, // optional
//		Logger:   logger,
//	})
//
//	id, err := s.Schedule(func() error {
//		// deferred work
//		return nil
//	}, 250*time.Millisecond)
//
//	s.Cancel(id)
//
// Batches:
//
//	id, err := s.ScheduleBatch([]scheduler.Func{first, second, third}, time.Second)
//
// The scheduler is not safe for concurrent use. Every method must be called
// from the goroutine that delivers TimerPort callbacks; other goroutines hand
// work to that goroutine (see package hostloop).
//
// The scheduler ensures that:
//   - Calls never run before their due time, rounded to the resolution
//   - Exactly one host timer is armed while calls are pending, none otherwise
//   - A failing call never prevents the remaining due calls from running
//   - Nothing escapes OnTick into host code
package scheduler
