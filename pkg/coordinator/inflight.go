package coordinator

import (
	"sync"
	"time"
)

// InflightEntry records one checked-out unit for crash inspection.
type InflightEntry struct {
	Unit         WorkUnit
	CheckedOutAt time.Time
	Requeues     int
}

// InflightTable is a concurrent mirror of the coordinator's in-flight
// set. The coordinator writes it; the watchdog monitor reads it. The
// actor's own set stays authoritative.
type InflightTable struct {
	entries sync.Map // id -> InflightEntry
}

// NewInflightTable creates an empty table.
func NewInflightTable() *InflightTable {
	return &InflightTable{}
}

// checkout records a unit as checked out now, preserving its requeue
// count across checkouts.
func (t *InflightTable) checkout(unit WorkUnit, now time.Time) {
	requeues := 0
	if prev, ok := t.entries.Load(unit.ID()); ok {
		requeues = prev.(InflightEntry).Requeues
	}
	t.entries.Store(unit.ID(), InflightEntry{Unit: unit, CheckedOutAt: now, Requeues: requeues})
}

// requeued clears the unit's checkout and bumps its requeue count.
func (t *InflightTable) requeued(unit WorkUnit) int {
	id := unit.ID()
	requeues := 1
	if prev, ok := t.entries.Load(id); ok {
		requeues = prev.(InflightEntry).Requeues + 1
	}
	t.entries.Store(id, InflightEntry{Unit: unit, Requeues: requeues})
	return requeues
}

// clear removes a unit after it was reported complete or failed.
func (t *InflightTable) clear(unit WorkUnit) {
	t.entries.Delete(unit.ID())
}

// Stale returns the entries checked out before the deadline.
func (t *InflightTable) Stale(deadline time.Time) []InflightEntry {
	var stale []InflightEntry
	t.entries.Range(func(_, value interface{}) bool {
		entry := value.(InflightEntry)
		if !entry.CheckedOutAt.IsZero() && entry.CheckedOutAt.Before(deadline) {
			stale = append(stale, entry)
		}
		return true
	})
	return stale
}

// Len returns the number of tracked entries.
func (t *InflightTable) Len() int {
	n := 0
	t.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
