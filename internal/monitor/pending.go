package monitor

import (
	"sort"
	"sync"
)

// BranchKey identifies a pending branch. The tag selects the backend
// adapter which decides its visibility.
type BranchKey struct {
	BID string
	Tag string
}

// PendingSet holds the branches awaiting closure. The listener inserts, the
// worker removes. Waiters are woken whenever the set becomes non-empty or
// the set is stopped.
type PendingSet struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[BranchKey]struct{}
	stopped bool
}

// NewPendingSet returns an empty, running set.
func NewPendingSet() *PendingSet {
	p := &PendingSet{entries: make(map[BranchKey]struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Add inserts keys and wakes up waiters.
func (p *PendingSet) Add(keys ...BranchKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range keys {
		p.entries[key] = struct{}{}
	}
	p.cond.Broadcast()
}

// Remove deletes key from the set.
func (p *PendingSet) Remove(key BranchKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Contains reports whether key is pending.
func (p *PendingSet) Contains(key BranchKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Len returns the number of pending branches.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear removes every entry and wakes up waiters.
func (p *PendingSet) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = make(map[BranchKey]struct{})
	p.cond.Broadcast()
}

// Stop marks the set as stopped and wakes up every waiter. It is idempotent.
func (p *PendingSet) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	p.cond.Broadcast()
}

// Wait blocks while the set is empty and running. It returns a snapshot of
// the entries sorted by bid and tag, or false once the set is stopped. The
// snapshot is a copy, callers act on it without holding the lock.
func (p *PendingSet) Wait() ([]BranchKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.entries) == 0 && !p.stopped {
		p.cond.Wait()
	}

	if p.stopped {
		return nil, false
	}

	snapshot := make([]BranchKey, 0, len(p.entries))
	for key := range p.entries {
		snapshot = append(snapshot, key)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].BID != snapshot[j].BID {
			return snapshot[i].BID < snapshot[j].BID
		}
		return snapshot[i].Tag < snapshot[j].Tag
	})

	return snapshot, true
}
