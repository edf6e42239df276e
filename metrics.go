package tracehist

import "sync/atomic"

// Metrics counts the internal activity of a history backend. All fields are
// safe for concurrent use; a nil *Metrics disables collection.
type Metrics struct {
	TilesFlushed       atomic.Int64
	TileReads          atomic.Int64
	CheckpointsWritten atomic.Int64
	ReplaysRun         atomic.Int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]int64 {
	if m == nil {
		return nil
	}
	return map[string]int64{
		"tiles_flushed":       m.TilesFlushed.Load(),
		"tile_reads":          m.TileReads.Load(),
		"checkpoints_written": m.CheckpointsWritten.Load(),
		"replays_run":         m.ReplaysRun.Load(),
	}
}

func (m *Metrics) incTilesFlushed() {
	if m != nil {
		m.TilesFlushed.Add(1)
	}
}

func (m *Metrics) incTileReads() {
	if m != nil {
		m.TileReads.Add(1)
	}
}

func (m *Metrics) incCheckpointsWritten() {
	if m != nil {
		m.CheckpointsWritten.Add(1)
	}
}

func (m *Metrics) incReplaysRun() {
	if m != nil {
		m.ReplaysRun.Add(1)
	}
}
