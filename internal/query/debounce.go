package query

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultSearchDebounce is the quiet period applied to search input.
const DefaultSearchDebounce = 400 * time.Millisecond

// Clock schedules debounce timers; tests drive it with a clockwork.FakeClock.
type Clock = clockwork.Clock

// SystemClock schedules with the time package.
var SystemClock Clock = clockwork.NewRealClock()

// Debouncer commits a value only after the input has been quiet for the
// configured window. Every Push supersedes the previous one, so only the
// final value of a burst is committed.
type Debouncer[T any] struct {
	mu      sync.Mutex
	clock   Clock
	window  time.Duration
	commit  func(T)
	timer   clockwork.Timer
	seq     uint64
	pending bool
}

// NewDebouncer constructs a debouncer that calls commit with the last value
// pushed once window elapses without another push.
func NewDebouncer[T any](clock Clock, window time.Duration, commit func(T)) *Debouncer[T] {
	if clock == nil {
		clock = SystemClock
	}
	return &Debouncer[T]{clock: clock, window: window, commit: commit}
}

// Push restarts the quiet period with v as the candidate value. A
// non-positive window commits immediately.
func (d *Debouncer[T]) Push(v T) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.window <= 0 {
		d.pending = false
		d.mu.Unlock()
		d.commit(v)
		return
	}
	d.pending = true
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		// A timer that fired while being stopped must not commit a
		// superseded value.
		if seq != d.seq || !d.pending {
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.timer = nil
		d.mu.Unlock()
		d.commit(v)
	})
	d.mu.Unlock()
}

// Pending reports whether a value is waiting for its quiet period.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Cancel drops any pending value.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
