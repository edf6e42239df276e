package tracehist

import (
	"bytes"
	"encoding/binary"
	"iter"
	"slices"
	"sync"

	"github.com/tracehist-db/tracehist/internal/encoding"
)

// tile is a bounded time window at one resolution level. It accepts intervals
// whose end time falls inside [start, end], keeps them as per-quark ordered
// runs, and serialises itself as one contiguous block.
//
// The producer inserts while readers query, so accesses go through a
// read-write lock, as does the end-time extension done by coalescing.
type tile struct {
	resolution int64
	start      int64
	end        int64
	finished   bool
	// The coarsest level keeps every short interval so it can answer any
	// query the finer levels cut off.
	ignoreResolutionCutOff bool
	contentSize            int
	intervals              map[int][]*Interval

	mu sync.RWMutex
}

func newTile(resolution, start, end int64) *tile {
	return &tile{
		resolution: resolution,
		start:      start,
		end:        end,
		intervals:  make(map[int][]*Interval),
	}
}

func newCoarsestTile(resolution, start, end int64) *tile {
	t := newTile(resolution, start, end)
	t.ignoreResolutionCutOff = true
	return t
}

func (t *tile) isFinished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finished
}

func (t *tile) numAttributes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.intervals)
}

// insert offers one interval to the tile. Intervals ending before the window
// are discarded; an interval ending past the window marks the tile finished
// and the caller rotates to a successor tile.
//
// A non-null interval shorter than the resolution coalesces into the previous
// entry of the same quark when that entry is also shorter than the resolution
// and holds a non-null value, so a null interval breaks a coalesced run.
func (t *tile) insert(start, end int64, quark int, value StateValue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if end < t.start {
		return
	}
	if end > t.end {
		t.finished = true
		return
	}

	list := t.intervals[quark]
	if end-start < t.resolution && len(list) > 0 && !t.ignoreResolutionCutOff && !value.IsNull() {
		last := list[len(list)-1]
		if last.End-last.Start < t.resolution && !last.Value.IsNull() {
			t.contentSize += encoding.UvarintLen(uint64(end-last.Start)) -
				encoding.UvarintLen(uint64(last.End-last.Start))
			last.End = end
			return
		}
	}

	in := &Interval{Start: start, End: end, Quark: quark, Value: value}
	t.intervals[quark] = append(list, in)
	t.contentSize += intervalSizeOnDisk(in)
}

// pointQuery fills the nil entries of state with the intervals covering t.
// A timestamp beyond the tile window yields nothing.
func (t *tile) pointQuery(state []*Interval, ts int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ts > t.end {
		return
	}
	for quark := range state {
		if state[quark] != nil {
			continue
		}
		if _, ok := t.intervals[quark]; ok {
			state[quark] = t.singularQueryLocked(ts, quark)
		}
	}
}

func (t *tile) singularQuery(ts int64, quark int) *Interval {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ts > t.end {
		return nil
	}
	return t.singularQueryLocked(ts, quark)
}

// Runs below the coarsest level are kept short by coalescing; the coarsest
// level keeps every interval. A linear scan is used at every level.
func (t *tile) singularQueryLocked(ts int64, quark int) *Interval {
	for _, in := range t.intervals[quark] {
		if in.Intersects(ts) {
			return in
		}
	}
	return nil
}

// lastInterval returns the final entry of a quark's run, or nil.
func (t *tile) lastInterval(quark int) *Interval {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.intervals[quark]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// missing returns the quarks whose run is absent or ends before ts.
func (t *tile) missing(quarks []int, ts int64) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for _, quark := range quarks {
		list, ok := t.intervals[quark]
		if !ok || list[len(list)-1].End < ts {
			out = append(out, quark)
		}
	}
	return out
}

// rangeQuery lazily yields the intervals of the selected quarks that
// intersect the sampled times.
func (t *tile) rangeQuery(quarks QuarkRangeCondition, times TimeRangeCondition) iter.Seq[Interval] {
	return func(yield func(Interval) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()

		for _, quark := range quarks.Quarks() {
			for _, in := range t.intervals[quark] {
				if !times.Intersects(in.Start, in.End) {
					continue
				}
				if !yield(*in) {
					return
				}
			}
		}
	}
}

// serialise appends the tile payload to the buffer:
//
//	tileSize(u32) | nAttributes(u32) |
//	per attribute: intervalCount(u32) | quark(i32) | firstStart(varint) | intervals
//
// tileSize counts every payload byte including its own field.
func (t *tile) serialise(buf *bytes.Buffer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	body := &bytes.Buffer{}
	if err := binary.Write(body, binary.LittleEndian, uint32(len(t.intervals))); err != nil {
		return err
	}

	quarks := make([]int, 0, len(t.intervals))
	for quark := range t.intervals {
		quarks = append(quarks, quark)
	}
	slices.Sort(quarks)

	for _, quark := range quarks {
		list := t.intervals[quark]
		if err := binary.Write(body, binary.LittleEndian, uint32(len(list))); err != nil {
			return err
		}
		if err := binary.Write(body, binary.LittleEndian, int32(quark)); err != nil {
			return err
		}
		encoding.WriteUvarint(body, uint64(list[0].Start))
		for _, in := range list {
			if err := encodeInterval(body, in); err != nil {
				return err
			}
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, uint32(body.Len()+4)); err != nil {
		return err
	}
	_, err := buf.Write(body.Bytes())
	return err
}

// deserialiseTile rebuilds a tile from a payload produced by serialise. The
// payload includes the leading tileSize field. Run start times are
// reconstructed from the first start and the interval durations, relying on
// the contiguity of per-quark runs.
func deserialiseTile(payload []byte, resolution, start, end int64) (*tile, error) {
	r := bytes.NewReader(payload)

	var tileSize uint32
	if err := binary.Read(r, binary.LittleEndian, &tileSize); err != nil {
		return nil, newCorruptError("", "truncated tile", err)
	}
	if int(tileSize) != len(payload) {
		return nil, newCorruptError("", "tile size mismatch", nil)
	}
	var nAttributes uint32
	if err := binary.Read(r, binary.LittleEndian, &nAttributes); err != nil {
		return nil, newCorruptError("", "truncated tile", err)
	}

	t := newTile(resolution, start, end)
	for i := uint32(0); i < nAttributes; i++ {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, newCorruptError("", "truncated tile run", err)
		}
		var quark int32
		if err := binary.Read(r, binary.LittleEndian, &quark); err != nil {
			return nil, newCorruptError("", "truncated tile run", err)
		}
		firstStart, err := encoding.ReadUvarint(r)
		if err != nil {
			return nil, newCorruptError("", "bad run start time", err)
		}

		runStart := int64(firstStart)
		list := make([]*Interval, 0, count)
		for j := uint32(0); j < count; j++ {
			in, err := decodeInterval(r, runStart, int(quark))
			if err != nil {
				return nil, err
			}
			list = append(list, in)
			runStart = in.End
			t.contentSize += intervalSizeOnDisk(in)
		}
		t.intervals[int(quark)] = list
	}
	return t, nil
}
