package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultSlowAfter is when an outstanding action is reported as slow
const DefaultSlowAfter = 10 * time.Second

// Mark identifies one outstanding action
type Mark struct {
	ID        string
	Key       string
	StartedAt time.Time
}

type inflight struct {
	mark  Mark
	slow  bool
	timer clockwork.Timer
}

// Tracker records the "processing" marker of optimistic actions: at most one
// outstanding action per key, and a slow signal when confirmation takes too
// long. The underlying request is never cancelled by the tracker.
type Tracker struct {
	clock     clockwork.Clock
	slowAfter time.Duration
	onSlow    func(Mark)

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewTracker creates a tracker. onSlow may be nil.
func NewTracker(clock clockwork.Clock, slowAfter time.Duration, onSlow func(Mark)) *Tracker {
	return &Tracker{
		clock:     clock,
		slowAfter: slowAfter,
		onSlow:    onSlow,
		inflight:  make(map[string]*inflight),
	}
}

// Begin marks key as processing. It fails with ErrInFlight while another
// action for the same key is outstanding.
func (t *Tracker) Begin(key string) (Mark, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.inflight[key]; busy {
		return Mark{}, ErrInFlight
	}

	m := Mark{ID: uuid.New().String(), Key: key, StartedAt: t.clock.Now()}
	entry := &inflight{mark: m}
	if t.slowAfter > 0 {
		entry.timer = t.clock.AfterFunc(t.slowAfter, func() { t.markSlow(m) })
	}
	t.inflight[key] = entry
	return m, nil
}

// Confirm clears the marker after the authoritative response arrived
func (t *Tracker) Confirm(m Mark) {
	t.clear(m, nil)
}

// Fail clears the marker after the action failed
func (t *Tracker) Fail(m Mark, err error) {
	t.clear(m, err)
}

// Processing reports whether key has an outstanding action
func (t *Tracker) Processing(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[key]
	return ok
}

// Slow reports whether the outstanding action for key is taking longer than expected
func (t *Tracker) Slow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.inflight[key]
	return ok && e.slow
}

// Keys returns the keys with outstanding actions
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.inflight))
	for k := range t.inflight {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tracker) clear(m Mark, err error) {
	t.mu.Lock()
	e, ok := t.inflight[m.Key]
	if !ok || e.mark.ID != m.ID {
		t.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.inflight, m.Key)
	t.mu.Unlock()

	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("key", m.Key).
		Dur("took", t.clock.Since(m.StartedAt)).
		Msg("action settled")
}

func (t *Tracker) markSlow(m Mark) {
	t.mu.Lock()
	e, ok := t.inflight[m.Key]
	if !ok || e.mark.ID != m.ID {
		t.mu.Unlock()
		return
	}
	e.slow = true
	t.mu.Unlock()

	log.Warn().Str("key", m.Key).Dur("after", t.slowAfter).Msg("action taking longer than expected")
	if t.onSlow != nil {
		t.onSlow(m)
	}
}
