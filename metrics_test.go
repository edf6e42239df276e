package tracehist

import "testing"

func TestMetricsSnapshot(t *testing.T) {
	m := &Metrics{}
	m.incTilesFlushed()
	m.incTilesFlushed()
	m.incReplaysRun()

	snap := m.Snapshot()
	if snap["tiles_flushed"] != 2 || snap["replays_run"] != 1 {
		t.Errorf("snapshot: got %v", snap)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.incTileReads()
	m.incCheckpointsWritten()
	if snap := m.Snapshot(); snap != nil {
		t.Errorf("nil metrics snapshot: got %v", snap)
	}
}
