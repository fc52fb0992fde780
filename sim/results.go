package sim

import (
	"fmt"
	"math"
	"sync"
)

// Sample is one time-indexed record of observed quantities.
type Sample struct {
	Time   float64
	Values map[string]float64
}

// ResultStore is the append-only, time-ordered record of observed
// quantities produced as a run advances. Record is the sole mutator;
// timestamps are non-decreasing, and duplicate timestamps (sub-step
// events) preserve insertion order. Queries are lazy, restartable, and
// never block Record for longer than a slice append.
type ResultStore struct {
	mu      sync.RWMutex
	samples []Sample
}

// NewResultStore returns an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// Record appends a sample. Samples must arrive in non-decreasing time
// order; the controller guarantees this, and external recorders get an
// error rather than a silently reordered store.
func (rs *ResultStore) Record(s Sample) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if n := len(rs.samples); n > 0 && s.Time < rs.samples[n-1].Time {
		return fmt.Errorf("sim: sample at t=%.6fs precedes last recorded t=%.6fs", s.Time, rs.samples[n-1].Time)
	}
	copied := Sample{Time: s.Time, Values: make(map[string]float64, len(s.Values))}
	for k, v := range s.Values {
		copied.Values[k] = v
	}
	rs.samples = append(rs.samples, copied)
	return nil
}

// Len returns the number of recorded samples.
func (rs *ResultStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.samples)
}

// Last returns the most recent sample.
func (rs *ResultStore) Last() (Sample, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if len(rs.samples) == 0 {
		return Sample{}, false
	}
	return rs.samples[len(rs.samples)-1], true
}

// At returns all samples recorded at exactly time t in insertion order.
func (rs *ResultStore) At(t float64) []Sample {
	cur := rs.Query(t, t, nil)
	var out []Sample
	for {
		s, ok := cur.Next()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

// Query returns a cursor over samples with from <= Time <= to,
// restricted to the requested quantity IDs (nil or empty = all). The
// cursor is lazy: it reads the store incrementally under a read lock, so
// an observer can stream results from a long-running simulation without
// buffering history and without blocking Record. It is also restartable
// via Reset, and two cursors over an unchanged store yield identical
// sequences.
func (rs *ResultStore) Query(from, to float64, quantityIDs []string) *Cursor {
	if math.IsNaN(to) {
		to = math.Inf(1)
	}
	var filter map[string]bool
	if len(quantityIDs) > 0 {
		filter = make(map[string]bool, len(quantityIDs))
		for _, id := range quantityIDs {
			filter[id] = true
		}
	}
	return &Cursor{store: rs, from: from, to: to, filter: filter}
}

// Cursor streams samples out of a ResultStore. Not safe for concurrent
// use by multiple goroutines; create one cursor per reader.
type Cursor struct {
	store  *ResultStore
	from   float64
	to     float64
	filter map[string]bool
	idx    int
}

// Next returns the next matching sample. The second return value is
// false when the cursor has passed the last sample currently in the
// store; calling Next again later may yield more if the run recorded
// further samples in the range.
func (c *Cursor) Next() (Sample, bool) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	for c.idx < len(c.store.samples) {
		s := c.store.samples[c.idx]
		c.idx++
		if s.Time < c.from {
			continue
		}
		if s.Time > c.to {
			c.idx = len(c.store.samples)
			return Sample{}, false
		}
		return c.project(s), true
	}
	return Sample{}, false
}

// Reset rewinds the cursor to the start of its range.
func (c *Cursor) Reset() { c.idx = 0 }

func (c *Cursor) project(s Sample) Sample {
	out := Sample{Time: s.Time, Values: make(map[string]float64, len(s.Values))}
	for k, v := range s.Values {
		if c.filter == nil || c.filter[k] {
			out.Values[k] = v
		}
	}
	return out
}
