package tracehist

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// CheckpointAttribute is the path of the synthetic attribute carrying
// checkpoint indexes in a partial history. It is the only attribute a shadow
// state system may create on its upstream tree.
const CheckpointAttribute = "_checkpoint"

// ShadowStateSystem is the in-memory state system a partial history replays
// trace events into. It shares the attribute tree of an upstream (primary)
// state system and never mutates it; its own state is just the "ongoing"
// value vector plus the intervals closed during the current replay window.
//
// The upstream is assigned exactly once; readers arriving earlier block on
// the assignment latch. One exclusive query lock serialises every
// replace-replay-read sequence.
type ShadowStateSystem struct {
	assignOnce sync.Once
	assigned   chan struct{}
	upstream   StateSystem

	queryLock chan struct{}

	mu          sync.Mutex
	nAttributes int
	ongoing     []*ongoingState
	closed      map[int][]*Interval
	disposed    bool
}

type ongoingState struct {
	start int64
	value StateValue
}

var _ StateWriter = (*ShadowStateSystem)(nil)

// NewShadowStateSystem creates a shadow with no upstream assigned yet.
func NewShadowStateSystem() *ShadowStateSystem {
	return &ShadowStateSystem{
		assigned:  make(chan struct{}),
		queryLock: make(chan struct{}, 1),
		closed:    make(map[int][]*Interval),
	}
}

// AssignUpstream hands the shadow its primary state system. Only the first
// call has an effect; it releases every reader blocked on the latch.
func (s *ShadowStateSystem) AssignUpstream(primary StateSystem) {
	s.assignOnce.Do(func() {
		s.upstream = primary
		close(s.assigned)
	})
}

// Upstream returns the assigned primary state system, or nil before the
// handshake.
func (s *ShadowStateSystem) Upstream() StateSystem {
	select {
	case <-s.assigned:
		return s.upstream
	default:
		return nil
	}
}

func (s *ShadowStateSystem) waitAssigned(ctx context.Context) error {
	select {
	case <-s.assigned:
		if s.upstream == nil {
			return ErrDisposed
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// AttributeTree blocks until the upstream is assigned, then returns its
// attribute tree.
func (s *ShadowStateSystem) AttributeTree(ctx context.Context) (*AttributeTree, error) {
	if err := s.waitAssigned(ctx); err != nil {
		return nil, err
	}
	return s.upstream.AttributeTree(), nil
}

// TakeQueryLock acquires the exclusive replay lock.
func (s *ShadowStateSystem) TakeQueryLock(ctx context.Context) error {
	select {
	case s.queryLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// ReleaseQueryLock releases the replay lock.
func (s *ShadowStateSystem) ReleaseQueryLock() {
	<-s.queryLock
}

// SetNumAttributes fixes the width of the state vector for the next replay.
func (s *ShadowStateSystem) SetNumAttributes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nAttributes = n
}

// NumAttributes returns the width of the state vector.
func (s *ShadowStateSystem) NumAttributes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nAttributes
}

// ReplaceOngoingState seeds the ongoing state vector from a checkpoint
// snapshot and clears the intervals of the previous replay window. Nil
// snapshot entries leave the matching attribute without state.
func (s *ShadowStateSystem) ReplaceOngoingState(snapshot []*Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nAttributes = len(snapshot)
	s.ongoing = make([]*ongoingState, len(snapshot))
	s.closed = make(map[int][]*Interval)
	for quark, in := range snapshot {
		if in != nil {
			s.ongoing[quark] = &ongoingState{start: in.Start, value: in.Value}
		}
	}
}

// ModifyAttribute applies one state change: the previous run of the quark is
// closed at t-1 and the attribute holds the new value from t on.
func (s *ShadowStateSystem) ModifyAttribute(t int64, value StateValue, quark int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if quark < 0 {
		return fmt.Errorf("invalid quark %d", quark)
	}
	for quark >= len(s.ongoing) {
		s.ongoing = append(s.ongoing, nil)
	}
	if quark >= s.nAttributes {
		s.nAttributes = quark + 1
	}

	prev := s.ongoing[quark]
	if prev != nil && t > prev.start {
		s.closed[quark] = append(s.closed[quark],
			&Interval{Start: prev.start, End: t - 1, Quark: quark, Value: prev.value})
	}
	s.ongoing[quark] = &ongoingState{start: t, value: value}
	return nil
}

// CloseHistory ends every ongoing run at t. Used when a replay reaches the
// end of the trace, where no later event will close the final states.
func (s *ShadowStateSystem) CloseHistory(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for quark, state := range s.ongoing {
		if state == nil {
			continue
		}
		s.closed[quark] = append(s.closed[quark],
			&Interval{Start: state.start, End: t, Quark: quark, Value: state.value})
		s.ongoing[quark] = nil
	}
}

// QueryFullState returns the interval covering t for every attribute. Runs
// still ongoing are reported with their end clamped to t; attributes with no
// state at t get a nil entry.
func (s *ShadowStateSystem) QueryFullState(t int64) []*Interval {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := make([]*Interval, s.nAttributes)
	for quark := range state {
		state[quark] = s.intervalAtLocked(t, quark)
	}
	return state
}

func (s *ShadowStateSystem) intervalAtLocked(t int64, quark int) *Interval {
	list := s.closed[quark]
	i := sort.Search(len(list), func(i int) bool { return list[i].End >= t })
	if i < len(list) && list[i].Start <= t {
		return list[i]
	}
	if quark < len(s.ongoing) {
		if state := s.ongoing[quark]; state != nil && state.start <= t {
			return &Interval{Start: state.start, End: t, Quark: quark, Value: state.value}
		}
	}
	return nil
}

// Query2D yields the replayed intervals matching the conditions. The result
// is materialised under the state lock, so it stays valid after the replay
// lock is released.
func (s *ShadowStateSystem) Query2D(quarks QuarkRangeCondition, times TimeRangeCondition) iter.Seq[Interval] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Interval
	for _, quark := range quarks.Quarks() {
		for _, in := range s.closed[quark] {
			if times.Intersects(in.Start, in.End) {
				out = append(out, *in)
			}
		}
		if quark < len(s.ongoing) {
			if state := s.ongoing[quark]; state != nil && !times.Empty() && state.start <= times.Max() {
				out = append(out, Interval{Start: state.start, End: times.Max(), Quark: quark, Value: state.value})
			}
		}
	}
	return func(yield func(Interval) bool) {
		for _, in := range out {
			if !yield(in) {
				return
			}
		}
	}
}

// QuarkForPathOrCreate resolves an attribute path. Creation is forbidden
// through the shadow for every path except the synthetic checkpoint
// attribute, which delegates to the upstream's creating variant.
func (s *ShadowStateSystem) QuarkForPathOrCreate(ctx context.Context, path ...string) (int, error) {
	tree, err := s.AttributeTree(ctx)
	if err != nil {
		return -1, err
	}
	if len(path) == 1 && path[0] == CheckpointAttribute {
		return tree.QuarkForPathOrCreate(path...), nil
	}
	quark, ok := tree.QuarkForPath(path...)
	if !ok {
		return -1, ErrAttributeTreeImmutable
	}
	return quark, nil
}

// QuarkForPath resolves an existing attribute path on the shared tree.
func (s *ShadowStateSystem) QuarkForPath(ctx context.Context, path ...string) (int, bool, error) {
	tree, err := s.AttributeTree(ctx)
	if err != nil {
		return -1, false, err
	}
	quark, ok := tree.QuarkForPath(path...)
	return quark, ok, nil
}

// AddEmptyAttribute always fails: the shadow may not grow the shared tree.
func (s *ShadowStateSystem) AddEmptyAttribute() error {
	return ErrAttributeTreeImmutable
}

// Dispose drops the replay state.
func (s *ShadowStateSystem) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposed = true
	s.ongoing = nil
	s.closed = nil
}
