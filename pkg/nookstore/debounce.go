package nookstore

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Schedule calls into one run of fn after the
// calls stop for delay. Each Schedule resets the timer.
type Debouncer struct {
	mutex sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

// NewDebouncer creates a Debouncer for fn.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Schedule (re)starts the idle window.
func (debouncer *Debouncer) Schedule() {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.timer != nil {
		debouncer.timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(debouncer.delay, func() {
		debouncer.mutex.Lock()
		if debouncer.timer != timer {
			debouncer.mutex.Unlock()
			return
		}
		debouncer.timer = nil
		debouncer.mutex.Unlock()
		debouncer.fn()
	})
	debouncer.timer = timer
}

// Cancel drops a pending run and reports whether one was pending.
func (debouncer *Debouncer) Cancel() bool {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	if debouncer.timer == nil {
		return false
	}
	debouncer.timer.Stop()
	debouncer.timer = nil
	return true
}

// Pending reports whether a run is scheduled.
func (debouncer *Debouncer) Pending() bool {
	debouncer.mutex.Lock()
	defer debouncer.mutex.Unlock()
	return debouncer.timer != nil
}
