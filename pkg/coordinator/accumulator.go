package coordinator

import (
	"container/heap"
	"sort"
)

// Accumulator keeps the top-K rows by clicks for one date so that
// streaming runs stay bounded regardless of how many pages arrive.
type Accumulator struct {
	k     int
	rows  rowHeap
	total int
}

// NewAccumulator creates an accumulator bounded to k rows.
func NewAccumulator(k int) *Accumulator {
	return &Accumulator{k: k, rows: make(rowHeap, 0, k)}
}

// Add folds a page of rows into the accumulator.
func (a *Accumulator) Add(rows []Row) {
	for _, row := range rows {
		a.total++
		if len(a.rows) < a.k {
			heap.Push(&a.rows, row)
			continue
		}
		// Heap root is the weakest kept row.
		if row.Clicks > a.rows[0].Clicks {
			a.rows[0] = row
			heap.Fix(&a.rows, 0)
		}
	}
}

// Total returns the number of rows seen, kept or not.
func (a *Accumulator) Total() int {
	return a.total
}

// Rows returns the kept rows sorted by clicks descending.
func (a *Accumulator) Rows() []Row {
	out := make([]Row, len(a.rows))
	copy(out, a.rows)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Clicks > out[j].Clicks
	})
	return out
}

// rowHeap is a min-heap of rows by clicks.
type rowHeap []Row

func (h rowHeap) Len() int            { return len(h) }
func (h rowHeap) Less(i, j int) bool  { return h[i].Clicks < h[j].Clicks }
func (h rowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rowHeap) Push(x interface{}) { *h = append(*h, x.(Row)) }

func (h *rowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	row := old[n-1]
	*h = old[:n-1]
	return row
}
