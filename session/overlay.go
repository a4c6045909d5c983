package session

import (
	"container/heap"
	"time"

	"energyd/core/energy"
)

type actionKind int

const (
	actionHarvest actionKind = iota
	actionBurn
)

func (k actionKind) String() string {
	if k == actionBurn {
		return "burn"
	}
	return "harvest"
}

// pendingEntry records one optimistic action so its deltas can be removed
// again on expiry or rollback.
type pendingEntry struct {
	id              string
	kind            actionKind
	balanceDelta    float64
	accrualConsumed float64
	source          energy.SourceID
	sourceConsumed  float64
	expiresAt       time.Time
	heapIndex       int // -1 while not scheduled
}

// arena is the optimistic overlay: aggregate deltas plus the registry of
// pending entries ordered by expiry in a single min-heap. It is not
// synchronised; the owning session serialises access.
type arena struct {
	balanceDelta      float64
	accrualConsumed   float64
	perSourceConsumed map[energy.SourceID]float64
	entries           map[string]*pendingEntry
	expiry            expiryHeap
}

func newArena() *arena {
	return &arena{
		perSourceConsumed: make(map[energy.SourceID]float64),
		entries:           make(map[string]*pendingEntry),
	}
}

// add applies the entry's deltas and registers it. Entries with a zero
// expiry are registered unscheduled; schedule arms them later.
func (a *arena) add(entry *pendingEntry) {
	a.balanceDelta += entry.balanceDelta
	a.accrualConsumed += entry.accrualConsumed
	if entry.source != "" && entry.sourceConsumed > 0 {
		a.perSourceConsumed[entry.source] += entry.sourceConsumed
	}
	entry.heapIndex = -1
	a.entries[entry.id] = entry
	if !entry.expiresAt.IsZero() {
		heap.Push(&a.expiry, entry)
	}
}

// schedule arms the expiry of a registered entry. No-op for unknown ids.
func (a *arena) schedule(id string, at time.Time) {
	entry, ok := a.entries[id]
	if !ok {
		return
	}
	entry.expiresAt = at
	if entry.heapIndex >= 0 {
		heap.Fix(&a.expiry, entry.heapIndex)
		return
	}
	heap.Push(&a.expiry, entry)
}

// remove unwinds the entry's deltas and drops it from the registry.
// Removing an id twice is a no-op, so expiry and rollback can race safely.
func (a *arena) remove(id string) bool {
	entry, ok := a.entries[id]
	if !ok {
		return false
	}
	delete(a.entries, id)
	if entry.heapIndex >= 0 {
		heap.Remove(&a.expiry, entry.heapIndex)
	}
	a.balanceDelta -= entry.balanceDelta
	if a.accrualConsumed -= entry.accrualConsumed; a.accrualConsumed < 0 {
		a.accrualConsumed = 0
	}
	if entry.source != "" && entry.sourceConsumed > 0 {
		remaining := a.perSourceConsumed[entry.source] - entry.sourceConsumed
		if remaining > 0 {
			a.perSourceConsumed[entry.source] = remaining
		} else {
			delete(a.perSourceConsumed, entry.source)
		}
	}
	return true
}

// expireDue unwinds every scheduled entry whose expiry is at or before
// now and reports how many were removed.
func (a *arena) expireDue(now time.Time) int {
	expired := 0
	for len(a.expiry) > 0 {
		next := a.expiry[0]
		if next.expiresAt.After(now) {
			break
		}
		a.remove(next.id)
		expired++
	}
	return expired
}

// nextExpiry reports the earliest scheduled expiry, if any entry is armed.
func (a *arena) nextExpiry() (time.Time, bool) {
	if len(a.expiry) == 0 {
		return time.Time{}, false
	}
	return a.expiry[0].expiresAt, true
}

// view snapshots the aggregate deltas for projection.
func (a *arena) view() energy.Overlay {
	perSource := make(map[energy.SourceID]float64, len(a.perSourceConsumed))
	for id, v := range a.perSourceConsumed {
		perSource[id] = v
	}
	return energy.Overlay{
		BalanceDelta:      a.balanceDelta,
		AccrualConsumed:   a.accrualConsumed,
		PerSourceConsumed: perSource,
	}
}

func (a *arena) size() int {
	return len(a.entries)
}

// reset discards every pending entry and all aggregate deltas.
func (a *arena) reset() {
	a.balanceDelta = 0
	a.accrualConsumed = 0
	a.perSourceConsumed = make(map[energy.SourceID]float64)
	a.entries = make(map[string]*pendingEntry)
	a.expiry = nil
}

// expiryHeap orders pending entries by expiry time.
type expiryHeap []*pendingEntry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *expiryHeap) Push(x any) {
	entry := x.(*pendingEntry)
	entry.heapIndex = len(*h)
	*h = append(*h, entry)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.heapIndex = -1
	*h = old[:n-1]
	return entry
}
