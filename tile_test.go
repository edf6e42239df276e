package tracehist

import (
	"bytes"
	"testing"
)

func TestTileInsertAndQuery(t *testing.T) {
	tl := newTile(10, 0, 200)

	tl.insert(0, 50, 0, StringValue("A"))
	tl.insert(50, 120, 0, StringValue("B"))
	tl.insert(0, 80, 1, Int32Value(42))

	if in := tl.singularQuery(30, 0); in == nil || in.Value.Text() != "A" {
		t.Errorf("singular query at 30: got %v", in)
	}
	if in := tl.singularQuery(50, 0); in == nil || in.Value.Text() != "A" {
		t.Errorf("singular query at 50 should hit the earlier run end: got %v", in)
	}
	if in := tl.singularQuery(100, 0); in == nil || in.Value.Text() != "B" {
		t.Errorf("singular query at 100: got %v", in)
	}
	if in := tl.singularQuery(130, 0); in != nil {
		t.Errorf("singular query past the run should miss: got %v", in)
	}
	// Beyond the tile window the tile yields nothing.
	if in := tl.singularQuery(250, 0); in != nil {
		t.Errorf("singular query past the tile window: got %v", in)
	}

	state := make([]*Interval, 2)
	tl.pointQuery(state, 60)
	if state[0] == nil || state[0].Value.Text() != "B" {
		t.Errorf("point query quark 0: got %v", state[0])
	}
	if state[1] == nil || state[1].Value.Int32() != 42 {
		t.Errorf("point query quark 1: got %v", state[1])
	}
}

func TestTileDiscardAndRotation(t *testing.T) {
	tl := newTile(10, 100, 200)

	// Ends before the window: discarded.
	tl.insert(0, 50, 0, StringValue("early"))
	if got := tl.numAttributes(); got != 0 {
		t.Fatalf("discarded interval still stored: %d attributes", got)
	}

	// Ends past the window: the tile reports finished and stores nothing.
	tl.insert(150, 250, 0, StringValue("late"))
	if !tl.isFinished() {
		t.Fatal("tile should be finished after an interval past its window")
	}
	if got := tl.numAttributes(); got != 0 {
		t.Fatalf("finishing interval stored: %d attributes", got)
	}
}

func TestTileCoalescing(t *testing.T) {
	tl := newTile(100, 0, 10_000)

	// Five short back-to-back intervals with non-null values collapse into
	// one entry ending at the last end.
	for i := int64(0); i < 5; i++ {
		tl.insert(i*10, (i+1)*10, 0, Int32Value(int32(i)))
	}
	if got := len(tl.intervals[0]); got != 1 {
		t.Fatalf("expected 1 coalesced entry, got %d", got)
	}
	if got := tl.intervals[0][0]; got.Start != 0 || got.End != 50 {
		t.Errorf("coalesced bounds: got [%d, %d], want [0, 50]", got.Start, got.End)
	}
	if got := tl.intervals[0][0].Value.Int32(); got != 0 {
		t.Errorf("coalesced entry keeps the first value: got %d", got)
	}
}

func TestTileCoalescingNullBreaksRun(t *testing.T) {
	tl := newTile(100, 0, 10_000)

	tl.insert(0, 10, 0, Int32Value(1))
	tl.insert(10, 20, 0, NullValue())
	tl.insert(20, 30, 0, Int32Value(2))

	// The null entry may not absorb its successor.
	if got := len(tl.intervals[0]); got != 3 {
		t.Fatalf("expected 3 entries around the null, got %d", got)
	}
}

func TestTileIgnoreResolutionCutOff(t *testing.T) {
	tl := newCoarsestTile(100, 0, 10_000)

	for i := int64(0); i < 5; i++ {
		tl.insert(i*10, (i+1)*10, 0, Int32Value(int32(i)))
	}
	if got := len(tl.intervals[0]); got != 5 {
		t.Fatalf("coarsest tile must keep every short interval, got %d entries", got)
	}
}

func TestTileMissing(t *testing.T) {
	tl := newTile(10, 0, 200)
	tl.insert(0, 50, 0, StringValue("A"))
	tl.insert(0, 150, 1, StringValue("B"))

	missing := tl.missing([]int{0, 1, 2}, 100)
	want := map[int]bool{0: true, 2: true}
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want quarks 0 and 2", missing)
	}
	for _, q := range missing {
		if !want[q] {
			t.Errorf("unexpected missing quark %d", q)
		}
	}
}

func TestTileRangeQuery(t *testing.T) {
	tl := newTile(10, 0, 300)
	tl.insert(0, 100, 0, StringValue("A"))
	tl.insert(100, 200, 0, StringValue("B"))
	tl.insert(0, 300, 1, Int32Value(7))
	tl.insert(0, 300, 2, Int32Value(9))

	quarks := NewQuarkRangeCondition(0, 1)
	times := NewTimeRangeCondition(150, 250)

	var got []Interval
	for in := range tl.rangeQuery(quarks, times) {
		got = append(got, in)
	}

	// Quark 2 is filtered out; quark 0's first run does not intersect the
	// samples.
	if len(got) != 2 {
		t.Fatalf("range query returned %d intervals, want 2: %v", len(got), got)
	}
	for _, in := range got {
		if in.Quark == 2 {
			t.Errorf("quark 2 leaked through the filter")
		}
		if in.Quark == 0 && in.Value.Text() != "B" {
			t.Errorf("quark 0: got %v, want the second run", in)
		}
	}
}

func TestTileSerialiseRoundTrip(t *testing.T) {
	tl := newTile(10, 0, 1_000)
	tl.insert(5, 100, 0, StringValue("A"))
	tl.insert(100, 230, 0, StringValue("B"))
	tl.insert(230, 400, 0, NullValue())
	tl.insert(12, 500, 3, Int64Value(123456789))
	tl.insert(0, 900, 9, Float64Value(2.5))
	tl.insert(7, 600, 4, CustomValue([]byte{1, 2, 3}))

	buf := &bytes.Buffer{}
	if err := tl.serialise(buf); err != nil {
		t.Fatalf("serialise: %v", err)
	}

	decoded, err := deserialiseTile(buf.Bytes(), 10, 0, 1_000)
	if err != nil {
		t.Fatalf("deserialise: %v", err)
	}

	if got, want := decoded.numAttributes(), tl.numAttributes(); got != want {
		t.Fatalf("attributes: got %d, want %d", got, want)
	}
	for quark, list := range tl.intervals {
		decodedList := decoded.intervals[quark]
		if len(decodedList) != len(list) {
			t.Fatalf("quark %d: got %d intervals, want %d", quark, len(decodedList), len(list))
		}
		for i := range list {
			want, got := list[i], decodedList[i]
			if got.Start != want.Start || got.End != want.End || !got.Value.Equals(want.Value) {
				t.Errorf("quark %d interval %d: got %v, want %v", quark, i, got, want)
			}
		}
	}
}

func TestTileDeserialiseTruncated(t *testing.T) {
	tl := newTile(10, 0, 1_000)
	tl.insert(0, 100, 0, StringValue("A"))

	buf := &bytes.Buffer{}
	if err := tl.serialise(buf); err != nil {
		t.Fatalf("serialise: %v", err)
	}
	if _, err := deserialiseTile(buf.Bytes()[:buf.Len()-3], 10, 0, 1_000); err == nil {
		t.Fatal("expected error for truncated tile payload")
	}
}
