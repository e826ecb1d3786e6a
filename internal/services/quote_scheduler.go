package services

import (
	"sync"
	"time"
)

// TimerScheduler schedules work on runtime timers.
type TimerScheduler struct{}

// Schedule runs fn on its own goroutine after delay.
func (TimerScheduler) Schedule(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

// debouncer coalesces bursts of triggers into one run after a quiet period.
// Restarting cancels the previously scheduled run; a run already executing is not interrupted.
type debouncer struct {
	mu        sync.Mutex
	scheduler Scheduler
	quiet     time.Duration
	cancel    func()
	seq       uint64
}

func newDebouncer(scheduler Scheduler, quiet time.Duration) *debouncer {
	if scheduler == nil {
		scheduler = TimerScheduler{}
	}
	return &debouncer{scheduler: scheduler, quiet: quiet}
}

// Trigger (re)starts the quiet period and runs fn when it elapses without another trigger.
func (d *debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.seq++
	seq := d.seq
	d.cancel = d.scheduler.Schedule(d.quiet, func() {
		d.mu.Lock()
		if seq != d.seq {
			d.mu.Unlock()
			return
		}
		d.cancel = nil
		d.mu.Unlock()
		fn()
	})
}

// Pending reports whether a run is scheduled and has not fired yet.
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Stop cancels any scheduled run.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.seq++
}
