package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RefreshFunc performs one refresh round trip
type RefreshFunc func(ctx context.Context) error

// Refresher collapses bursts of refresh requests into single round trips.
// Requests inside the debounce window share one refresh. A request that
// arrives while a refresh is running schedules exactly one follow-up, so a
// change is never missed at the cost of an occasional redundant refresh.
type Refresher struct {
	clock    clockwork.Clock
	debounce time.Duration
	timeout  time.Duration
	fn       RefreshFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    clockwork.Timer
	inFlight bool
	followUp bool
	reasons  []Trigger
	closed   bool
	runs     int
}

// NewRefresher creates a refresher. timeout bounds each round trip; zero means none.
func NewRefresher(clock clockwork.Clock, debounce, timeout time.Duration, fn RefreshFunc) *Refresher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		clock:    clock,
		debounce: debounce,
		timeout:  timeout,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Request asks for a refresh
func (r *Refresher) Request(reason Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.reasons = append(r.reasons, reason)
	if r.inFlight {
		r.followUp = true
		return
	}
	if r.timer == nil {
		r.timer = r.clock.AfterFunc(r.debounce, r.run)
	}
}

// Runs returns how many refreshes have started
func (r *Refresher) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Close stops pending refreshes and cancels a running one
func (r *Refresher) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *Refresher) run() {
	r.mu.Lock()
	r.timer = nil
	if r.closed || r.inFlight {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.runs++
	reasons := r.reasons
	r.reasons = nil
	r.mu.Unlock()

	ctx := r.ctx
	cancel := context.CancelFunc(func() {})
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, r.timeout)
	}
	start := r.clock.Now()
	err := r.fn(ctx)
	cancel()

	triggers := make([]string, len(reasons))
	for i, t := range reasons {
		triggers[i] = string(t)
	}
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Strs("triggers", triggers).Dur("took", r.clock.Since(start)).Msg("refresh finished")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
	if r.followUp && !r.closed {
		r.followUp = false
		r.timer = r.clock.AfterFunc(r.debounce, r.run)
	}
}
