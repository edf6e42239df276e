package tracehist

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
)

// PartialBackend wraps an inner history with a checkpoint and replay
// strategy: only intervals crossing a checkpoint are persisted, and a
// synthetic checkpoint attribute is written on a fixed time cadence. Queries
// at arbitrary timestamps restore the nearest earlier checkpoint from the
// inner history and re-feed trace events through a shadow state system until
// the requested time.
type PartialBackend struct {
	ssid        string
	provider    StateProvider
	shadow      *ShadowStateSystem
	inner       Backend
	granularity int64
	logger      *slog.Logger
	metrics     *Metrics

	mu              sync.RWMutex
	checkpoints     []int64
	latest          int64
	initialized     bool
	checkpointQuark int
	disposed        bool
}

var _ Backend = (*PartialBackend)(nil)

// NewPartialBackend creates a checkpoint-partial history. The provider must
// already be bound to the shadow, since replays drive it to rebuild state
// between checkpoints. Granularity is the time distance between checkpoints.
func NewPartialBackend(ssid string, provider StateProvider, shadow *ShadowStateSystem, inner Backend, granularity int64, opts ...BackendOption) (*PartialBackend, error) {
	if granularity <= 0 {
		return nil, errors.New("partial history granularity must be positive")
	}
	if provider.AssignedStateSystem() != StateWriter(shadow) {
		return nil, errors.New("partial history provider must be assigned to the shadow state system")
	}
	o := applyOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PartialBackend{
		ssid:        ssid,
		provider:    provider,
		shadow:      shadow,
		inner:       inner,
		granularity: granularity,
		logger:      logger,
		metrics:     o.metrics,
		latest:      inner.StartTime(),
	}, nil
}

// SSID returns the owning state system's identifier.
func (b *PartialBackend) SSID() string {
	return b.ssid
}

// StartTime returns the inner history's start time.
func (b *PartialBackend) StartTime() int64 {
	return b.inner.StartTime()
}

// EndTime returns the latest end time observed so far.
func (b *PartialBackend) EndTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Granularity returns the time distance between checkpoints.
func (b *PartialBackend) Granularity() int64 {
	return b.granularity
}

// floorCheckpoint returns the largest checkpoint not after t.
func floorCheckpoint(checkpoints []int64, t int64) (int64, bool) {
	i := sort.Search(len(checkpoints), func(i int) bool { return checkpoints[i] > t })
	if i == 0 {
		return 0, false
	}
	return checkpoints[i-1], true
}

// ceilingCheckpoint returns the smallest checkpoint not before t.
func ceilingCheckpoint(checkpoints []int64, t int64) (int64, bool) {
	i := sort.Search(len(checkpoints), func(i int) bool { return checkpoints[i] >= t })
	if i == len(checkpoints) {
		return 0, false
	}
	return checkpoints[i], true
}

// Insert forwards one interval to the inner history only when it crosses a
// checkpoint; everything else is dropped and recovered later by replay.
// Checkpoint intervals themselves are synthesised here on the granularity
// cadence.
func (b *PartialBackend) Insert(start, end int64, quark int, value StateValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if !b.initialized {
		checkpointQuark, err := b.shadow.QuarkForPathOrCreate(context.Background(), CheckpointAttribute)
		if err != nil {
			return fmt.Errorf("create checkpoint attribute: %w", err)
		}
		b.checkpointQuark = checkpointQuark
		b.checkpoints = append(b.checkpoints, b.provider.StartTime())
		b.initialized = true
	}
	// Checkpoint writes loop back through the provider; ignore them.
	if quark == b.checkpointQuark {
		return nil
	}
	if end > b.latest {
		b.latest = end
	}

	if err := b.writeDueCheckpointsLocked(); err != nil {
		return err
	}

	if floor, ok := floorCheckpoint(b.checkpoints, end); ok && start <= floor {
		return b.inner.Insert(start, end, quark, value)
	}
	return nil
}

func (b *PartialBackend) writeDueCheckpointsLocked() error {
	for b.latest >= b.checkpoints[len(b.checkpoints)-1]+b.granularity {
		last := b.checkpoints[len(b.checkpoints)-1]
		next := last + b.granularity
		b.checkpoints = append(b.checkpoints, next)
		index := len(b.checkpoints) - 2
		if err := b.inner.Insert(last, next-1, b.checkpointQuark, Int32Value(int32(index))); err != nil {
			return fmt.Errorf("write checkpoint %d: %w", index, err)
		}
		b.metrics.incCheckpointsWritten()
	}
	return nil
}

// FinishedBuilding writes one final checkpoint covering the tail of the
// trace, then finishes the inner history.
func (b *PartialBackend) FinishedBuilding(endTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if endTime > b.latest {
		b.latest = endTime
	}
	if b.initialized {
		last := b.checkpoints[len(b.checkpoints)-1]
		if endTime > last {
			index := len(b.checkpoints) - 1
			if err := b.inner.Insert(last, endTime, b.checkpointQuark, Int32Value(int32(index))); err != nil {
				return fmt.Errorf("write final checkpoint: %w", err)
			}
			b.checkpoints = append(b.checkpoints, endTime)
			b.metrics.incCheckpointsWritten()
		}
	}
	return b.inner.FinishedBuilding(endTime)
}

func (b *PartialBackend) checkValidTime(t int64) error {
	if t < b.StartTime() || t > b.EndTime() {
		return &TimeRangeError{SSID: b.ssid, T: t, Start: b.StartTime(), End: b.EndTime()}
	}
	return nil
}

func (b *PartialBackend) snapshotCheckpoints() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int64, len(b.checkpoints))
	copy(out, b.checkpoints)
	return out
}

// PointQuery answers a full-state query: restore the nearest earlier
// checkpoint from the inner history, splice in states already covered by the
// next checkpoint, and replay trace events through the shadow for whatever
// remains.
func (b *PartialBackend) PointQuery(ctx context.Context, state []*Interval, t int64) error {
	b.mu.RLock()
	disposed := b.disposed
	b.mu.RUnlock()
	if disposed {
		return ErrDisposed
	}
	if err := b.checkValidTime(t); err != nil {
		return err
	}
	if err := b.shadow.waitAssigned(ctx); err != nil {
		return err
	}
	if err := b.shadow.Upstream().WaitUntilBuilt(ctx); err != nil {
		return err
	}

	checkpoints := b.snapshotCheckpoints()
	latest := b.EndTime()

	checkpointBefore, ok := floorCheckpoint(checkpoints, t)
	if !ok {
		return &TimeRangeError{SSID: b.ssid, T: t, Start: b.StartTime(), End: latest}
	}
	if err := b.inner.PointQuery(ctx, state, checkpointBefore); err != nil {
		return err
	}

	// The final checkpoint is written after the last intervals, so a query
	// at the trace tail may miss states recorded one checkpoint earlier.
	if hasNil(state) {
		if cp, ok := floorCheckpoint(checkpoints, t-1); ok && cp != checkpointBefore {
			checkpointBefore = cp
			if err := b.inner.PointQuery(ctx, state, checkpointBefore); err != nil {
				return err
			}
		}
	}

	if stateCovers(state, t) {
		return nil
	}
	snapshot := make([]*Interval, len(state))
	copy(snapshot, state)

	checkpointAfter, ok := ceilingCheckpoint(checkpoints, t)
	if !ok {
		checkpointAfter = checkpoints[len(checkpoints)-1]
	}

	// States persisted at the next checkpoint may reach back over t; splice
	// them in before resorting to a replay.
	if t < latest {
		next := make([]*Interval, len(state))
		if err := b.inner.PointQuery(ctx, next, checkpointAfter); err != nil {
			return err
		}
		full := true
		for i := range state {
			current := state[i]
			if current != nil && current.End >= t {
				continue
			}
			if next[i] == nil || next[i].Start > t {
				full = false
				continue
			}
			state[i] = next[i]
		}
		if full {
			return nil
		}
	}

	if err := b.shadow.TakeQueryLock(ctx); err != nil {
		return err
	}
	defer b.shadow.ReleaseQueryLock()

	b.shadow.ReplaceOngoingState(snapshot)

	// The checkpoint state already includes changes from events at exactly
	// checkpointBefore; the replay starts one unit later.
	request := newEventRequest(b.provider, checkpointBefore+1, checkpointAfter)
	request.send(ctx)
	if err := request.waitForCompletion(ctx); err != nil {
		return err
	}
	b.metrics.incReplaysRun()

	if latest == t {
		b.shadow.CloseHistory(t)
	}

	replayed := b.shadow.QueryFullState(t)
	for i := 0; i < len(state) && i < len(replayed); i++ {
		if in := replayed[i]; in != nil && in.Intersects(t) {
			state[i] = in
		}
	}
	return nil
}

// stateCovers reports whether every filled entry reaches t. Entries that are
// nil count as uncovered: their state exists in a later checkpoint or only in
// the trace.
func stateCovers(state []*Interval, t int64) bool {
	for _, in := range state {
		if in == nil || in.End < t {
			return false
		}
	}
	return true
}

// SingularQuery answers a one-attribute query, first from the inner history
// at the enclosing checkpoint, then through the full replay protocol.
func (b *PartialBackend) SingularQuery(ctx context.Context, t int64, quark int) (*Interval, error) {
	b.mu.RLock()
	disposed := b.disposed
	b.mu.RUnlock()
	if disposed {
		return nil, ErrDisposed
	}
	if err := b.checkValidTime(t); err != nil {
		return nil, err
	}
	if err := b.shadow.waitAssigned(ctx); err != nil {
		return nil, err
	}
	if err := b.shadow.Upstream().WaitUntilBuilt(ctx); err != nil {
		return nil, err
	}

	nAttributes, err := b.numAttributes(ctx)
	if err != nil {
		return nil, err
	}
	if quark < 0 || quark >= nAttributes {
		return nil, fmt.Errorf("unknown quark %d", quark)
	}

	checkpoints := b.snapshotCheckpoints()
	checkpointBefore, ok := floorCheckpoint(checkpoints, t)
	if !ok {
		return nil, &TimeRangeError{SSID: b.ssid, T: t, Start: b.StartTime(), End: b.EndTime()}
	}

	state := make([]*Interval, nAttributes)
	if err := b.inner.PointQuery(ctx, state, checkpointBefore); err != nil {
		return nil, err
	}
	if in := state[quark]; in != nil && in.Intersects(t) {
		return in, nil
	}

	state = make([]*Interval, nAttributes)
	if err := b.PointQuery(ctx, state, t); err != nil {
		return nil, err
	}
	return state[quark], nil
}

// RangeQuery answers a 2-D query. Steps at least twice the granularity are
// resampled onto the checkpoint grid and answered by the inner history
// alone; finer steps restore the lower checkpoint and replay the bracketed
// range through the shadow.
func (b *PartialBackend) RangeQuery(ctx context.Context, quarks QuarkRangeCondition, times TimeRangeCondition) (iter.Seq[Interval], error) {
	b.mu.RLock()
	disposed := b.disposed
	b.mu.RUnlock()
	if disposed {
		return nil, ErrDisposed
	}
	if quarks.Empty() || times.Empty() || len(times.Times()) < 2 {
		return emptySeq(), nil
	}
	if err := b.shadow.waitAssigned(ctx); err != nil {
		return nil, err
	}
	if err := b.shadow.Upstream().WaitUntilBuilt(ctx); err != nil {
		return nil, err
	}

	checkpoints := b.snapshotCheckpoints()
	lower, ok := floorCheckpoint(checkpoints, times.Min())
	if !ok {
		lower = checkpoints[0]
	}
	upper, ok := ceilingCheckpoint(checkpoints, times.Max())
	if !ok {
		upper = checkpoints[len(checkpoints)-1]
	}

	// Steps of two granularities or more are resampled onto the checkpoint
	// grid and answered by the inner history without a replay; intervals
	// that cross no checkpoint are not returned on this path.
	if step := times.Step(); step >= 2*b.granularity {
		resampled := step / b.granularity * b.granularity
		if resampled < b.granularity {
			resampled = b.granularity
		}
		var samples []int64
		for ts := lower; ts <= upper; ts += resampled {
			samples = append(samples, ts)
		}
		return b.inner.RangeQuery(ctx, quarks, NewTimeRangeCondition(samples...))
	}

	nAttributes, err := b.numAttributes(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make([]*Interval, nAttributes)
	if err := b.inner.PointQuery(ctx, snapshot, lower); err != nil {
		b.logger.Error("partial range query degraded", "ssid", b.ssid, "err", err)
		return emptySeq(), nil
	}

	if err := b.shadow.TakeQueryLock(ctx); err != nil {
		return nil, err
	}
	defer b.shadow.ReleaseQueryLock()

	b.shadow.ReplaceOngoingState(snapshot)

	request := newEventRequest(b.provider, lower+1, upper)
	request.send(ctx)
	if err := request.waitForCompletion(ctx); err != nil {
		return nil, err
	}
	b.metrics.incReplaysRun()

	return b.shadow.Query2D(quarks, times), nil
}

func (b *PartialBackend) numAttributes(ctx context.Context) (int, error) {
	tree, err := b.shadow.AttributeTree(ctx)
	if err != nil {
		return 0, err
	}
	return tree.NumAttributes(), nil
}

// Dispose releases the provider, the shadow, and the inner history.
func (b *PartialBackend) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil
	}
	b.disposed = true
	b.provider.Dispose()
	b.shadow.Dispose()
	return b.inner.Dispose()
}

// RemoveFiles deletes the inner history's files.
func (b *PartialBackend) RemoveFiles() error {
	return b.inner.RemoveFiles()
}
