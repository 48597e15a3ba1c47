package console

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TypingIdle is how long the console waits after the last keystroke before
// telling the chat that the admin stopped typing.
const TypingIdle = 2 * time.Second

// TypingDebouncer turns keystrokes into typing start/stop signals for one
// chat. A keystroke signals typing=true straight away (refreshed at most
// every half idle window while the burst lasts) and arms an idle timer;
// when the timer fires, or on Flush, typing=false is signalled.
type TypingDebouncer struct {
	clock clockwork.Clock
	idle  time.Duration
	send  func(typing bool)

	mu       sync.Mutex
	timer    clockwork.Timer
	gen      uint64
	active   bool
	lastSent time.Time
	stopped  bool
}

func NewTypingDebouncer(clock clockwork.Clock, idle time.Duration, send func(typing bool)) *TypingDebouncer {
	return &TypingDebouncer{clock: clock, idle: idle, send: send}
}

func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	now := d.clock.Now()
	if !d.active || now.Sub(d.lastSent) >= d.idle/2 {
		d.active = true
		d.lastSent = now
		d.send(true)
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.idle, func() { d.expire(gen) })
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// a later keystroke re-armed the timer
	if gen != d.gen || d.stopped {
		return
	}
	d.timer = nil
	if d.active {
		d.active = false
		d.send(false)
	}
}

// Flush cancels the idle timer and signals typing=false if a burst was in
// progress. Used right before a message is sent.
func (d *TypingDebouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop flushes and disables the debouncer for good. The console stops the
// debouncer of the previous chat when another one is selected.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *TypingDebouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	if d.active && !d.stopped {
		d.active = false
		d.send(false)
	}
}
