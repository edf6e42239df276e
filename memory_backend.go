package tracehist

import (
	"context"
	"iter"
	"sort"
	"sync"
)

// MemoryBackend is a Backend that keeps every interval in memory. It is the
// natural inner store for a checkpoint-partial history over a small trace,
// and a drop-in history for tests.
type MemoryBackend struct {
	ssid  string
	start int64

	mu        sync.RWMutex
	end       int64
	intervals map[int][]*Interval
	disposed  bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory history starting at startTime.
func NewMemoryBackend(ssid string, startTime int64) *MemoryBackend {
	return &MemoryBackend{
		ssid:      ssid,
		start:     startTime,
		end:       startTime,
		intervals: make(map[int][]*Interval),
	}
}

// SSID returns the owning state system's identifier.
func (b *MemoryBackend) SSID() string {
	return b.ssid
}

// StartTime returns the history's start time.
func (b *MemoryBackend) StartTime() int64 {
	return b.start
}

// EndTime returns the latest end time observed so far.
func (b *MemoryBackend) EndTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}

// Insert records one interval. Per-quark arrival order keeps the runs sorted
// without an explicit sort.
func (b *MemoryBackend) Insert(start, end int64, quark int, value StateValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if end > b.end {
		b.end = end
	}
	b.intervals[quark] = append(b.intervals[quark], &Interval{Start: start, End: end, Quark: quark, Value: value})
	return nil
}

// FinishedBuilding records the final end time.
func (b *MemoryBackend) FinishedBuilding(endTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if endTime > b.end {
		b.end = endTime
	}
	return nil
}

func (b *MemoryBackend) findLocked(t int64, quark int) *Interval {
	list := b.intervals[quark]
	i := sort.Search(len(list), func(i int) bool { return list[i].End >= t })
	if i < len(list) && list[i].Start <= t {
		return list[i]
	}
	return nil
}

// PointQuery fills the nil entries of state with the intervals covering t.
func (b *MemoryBackend) PointQuery(ctx context.Context, state []*Interval, t int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return ErrDisposed
	}
	if t < b.start || t > b.end {
		return &TimeRangeError{SSID: b.ssid, T: t, Start: b.start, End: b.end}
	}
	for quark := range state {
		if state[quark] == nil {
			state[quark] = b.findLocked(t, quark)
		}
	}
	return nil
}

// SingularQuery returns the interval covering t for one quark, or nil when
// that quark has no recorded state at t.
func (b *MemoryBackend) SingularQuery(ctx context.Context, t int64, quark int) (*Interval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return nil, ErrDisposed
	}
	if t < b.start || t > b.end {
		return nil, &TimeRangeError{SSID: b.ssid, T: t, Start: b.start, End: b.end}
	}
	return b.findLocked(t, quark), nil
}

// RangeQuery lazily yields the stored intervals matching the conditions.
func (b *MemoryBackend) RangeQuery(ctx context.Context, quarks QuarkRangeCondition, times TimeRangeCondition) (iter.Seq[Interval], error) {
	b.mu.RLock()
	disposed := b.disposed
	b.mu.RUnlock()

	if disposed {
		return nil, ErrDisposed
	}
	if quarks.Empty() || times.Empty() {
		return emptySeq(), nil
	}

	return func(yield func(Interval) bool) {
		b.mu.RLock()
		defer b.mu.RUnlock()

		for _, quark := range quarks.Quarks() {
			for _, in := range b.intervals[quark] {
				if !times.Intersects(in.Start, in.End) {
					continue
				}
				if !yield(*in) {
					return
				}
			}
		}
	}, nil
}

// Dispose drops the stored intervals.
func (b *MemoryBackend) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.disposed = true
	b.intervals = nil
	return nil
}

// RemoveFiles is a no-op: an in-memory history has no files.
func (b *MemoryBackend) RemoveFiles() error {
	return nil
}
