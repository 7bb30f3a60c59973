// Package cleanup tracks every reversible artifact the engine creates
// (queueing disciplines, partition policies, manifest files) and
// guarantees a best-effort reversal: either by a deferred timer or by
// the synchronous sweep that runs when the session closes.
package cleanup

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// RevertFunc undoes one applied rule or removes one generated artifact.
// Errors are logged, never propagated: a reversal that finds its rule
// already gone is a warning, not a failure.
type RevertFunc func() error

type entry struct {
	id     int
	target string
	kind   string
	timer  *time.Timer // nil for sweep-only registrations
	revert RevertFunc
}

// Scheduler is a registry of pending reversals. Timer callbacks fire
// concurrently with ongoing interpretation, so all registry mutation is
// mutex-guarded. Registrations are independent: scheduling the same
// (target, kind) twice fires two reversals.
type Scheduler struct {
	mu      sync.Mutex
	entries map[int]*entry
	nextID  int
	closed  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[int]*entry)}
}

// Schedule registers a deferred reversal that fires after the given
// delay. The reversal also remains registered for the close-time sweep
// until it fires.
func (s *Scheduler) Schedule(target, kind string, after time.Duration, revert RevertFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		klog.Warningf("Scheduler closed, running %s cleanup for %q immediately", kind, target)
		go s.runRevert(target, kind, revert)
		return
	}

	s.nextID++
	e := &entry{id: s.nextID, target: target, kind: kind, revert: revert}
	e.timer = time.AfterFunc(after, func() { s.fire(e.id) })
	s.entries[e.id] = e
	klog.Infof("Scheduled cleanup of %s rule on %q in %s", kind, target, after)
}

// Register adds a sweep-only reversal with no timer; it runs when the
// session closes. Used for manifest artifacts and indefinite rules.
func (s *Scheduler) Register(target, kind string, revert RevertFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go s.runRevert(target, kind, revert)
		return
	}
	s.nextID++
	s.entries[s.nextID] = &entry{id: s.nextID, target: target, kind: kind, revert: revert}
}

// Pending reports the number of registrations that have not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Timed reports how many registrations still wait on a timer. Sweep-only
// registrations are excluded; they only run at close.
func (s *Scheduler) Timed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.timer != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) fire(id int) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		// Already swept or cancelled.
		return
	}
	s.runRevert(e.target, e.kind, e.revert)
}

func (s *Scheduler) runRevert(target, kind string, revert RevertFunc) {
	klog.Infof("Reverting %s rule on %q", kind, target)
	if err := revert(); err != nil {
		klog.Warningf("Cleanup of %s rule on %q failed: %v", kind, target, err)
	}
}

// Close cancels every pending timer and synchronously runs every
// outstanding reversal, best-effort. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	outstanding := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		outstanding = append(outstanding, e)
	}
	s.entries = make(map[int]*entry)
	s.mu.Unlock()

	if len(outstanding) > 0 {
		klog.Infof("Sweeping %d outstanding cleanup registrations", len(outstanding))
	}
	for _, e := range outstanding {
		s.runRevert(e.target, e.kind, e.revert)
	}
}
