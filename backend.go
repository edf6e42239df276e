package tracehist

import (
	"context"
	"iter"
	"slices"
	"sort"
)

// Backend is the storage contract between a state provider and a state
// history. The write side is single-threaded: one producer calls Insert in
// event order, with non-decreasing end times, then FinishedBuilding exactly
// once. The read side may be called from many goroutines.
type Backend interface {
	// SSID returns the owning state system's identifier.
	SSID() string

	// StartTime returns the earliest timestamp stored in this history.
	StartTime() int64

	// EndTime returns the latest timestamp observed so far.
	EndTime() int64

	// Insert records one state interval. Intervals for a given quark arrive
	// in non-decreasing start order and form contiguous runs.
	Insert(start, end int64, quark int, value StateValue) error

	// FinishedBuilding marks the history complete up to endTime and makes
	// the on-disk form durable. A second call with the same endTime is a
	// no-op.
	FinishedBuilding(endTime int64) error

	// PointQuery fills the nil entries of state, indexed by quark, with the
	// intervals covering t.
	PointQuery(ctx context.Context, state []*Interval, t int64) error

	// SingularQuery returns the interval covering t for one quark.
	SingularQuery(ctx context.Context, t int64, quark int) (*Interval, error)

	// RangeQuery returns a lazy iterator over the intervals matching the
	// quark set and intersecting the sampled time range.
	RangeQuery(ctx context.Context, quarks QuarkRangeCondition, times TimeRangeCondition) (iter.Seq[Interval], error)

	// Dispose releases resources. If FinishedBuilding was never called, the
	// history file is deleted.
	Dispose() error

	// RemoveFiles deletes the persisted history.
	RemoveFiles() error
}

// TimeRangeCondition is a discrete, sorted set of sample timestamps, usually
// one per display pixel.
type TimeRangeCondition struct {
	times []int64
}

// NewTimeRangeCondition builds a condition over the given timestamps. The
// samples are copied and sorted.
func NewTimeRangeCondition(times ...int64) TimeRangeCondition {
	sorted := slices.Clone(times)
	slices.Sort(sorted)
	return TimeRangeCondition{times: sorted}
}

// Empty reports whether the condition holds no samples.
func (c TimeRangeCondition) Empty() bool {
	return len(c.times) == 0
}

// Min returns the earliest sample.
func (c TimeRangeCondition) Min() int64 {
	return c.times[0]
}

// Max returns the latest sample.
func (c TimeRangeCondition) Max() int64 {
	return c.times[len(c.times)-1]
}

// Times returns the sample timestamps in ascending order.
func (c TimeRangeCondition) Times() []int64 {
	return c.times
}

// Step returns the distance between the first two samples, or 0 when fewer
// than two samples exist.
func (c TimeRangeCondition) Step() int64 {
	if len(c.times) < 2 {
		return 0
	}
	return c.times[1] - c.times[0]
}

// Intersects reports whether any sample falls inside [start, end].
func (c TimeRangeCondition) Intersects(start, end int64) bool {
	i := sort.Search(len(c.times), func(i int) bool { return c.times[i] >= start })
	return i < len(c.times) && c.times[i] <= end
}

// QuarkRangeCondition is a set of attribute quarks selected by a 2-D query.
type QuarkRangeCondition struct {
	quarks []int
	member map[int]struct{}
}

// NewQuarkRangeCondition builds a condition over the given quarks.
func NewQuarkRangeCondition(quarks ...int) QuarkRangeCondition {
	member := make(map[int]struct{}, len(quarks))
	sorted := slices.Clone(quarks)
	slices.Sort(sorted)
	for _, q := range sorted {
		member[q] = struct{}{}
	}
	return QuarkRangeCondition{quarks: sorted, member: member}
}

// Contains reports whether the quark is part of the condition.
func (c QuarkRangeCondition) Contains(quark int) bool {
	_, ok := c.member[quark]
	return ok
}

// Quarks returns the selected quarks in ascending order.
func (c QuarkRangeCondition) Quarks() []int {
	return c.quarks
}

// Empty reports whether the condition holds no quarks.
func (c QuarkRangeCondition) Empty() bool {
	return len(c.quarks) == 0
}

func emptySeq() iter.Seq[Interval] {
	return func(yield func(Interval) bool) {}
}
