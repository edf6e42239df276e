// Package tracehist provides the state history storage of a trace analysis
// framework: it persists intervals of the form (start, end, quark, value)
// emitted by a state provider, and answers "what value did this attribute
// hold at time t" for any timestamp of the trace, plus downsampled 2-D
// queries for visualisation.
//
// Two complementary back-ends implement the storage contract:
//
//   - TileBackend stores intervals in fixed-span on-disk tiles, one tile
//     array per resolution level, optimised for downsampled range queries
//     and bounded-memory writes.
//   - PartialBackend wraps any Backend with a checkpoint and replay
//     strategy: only intervals crossing a checkpoint are persisted, and
//     arbitrary timestamps are answered by restoring the nearest earlier
//     checkpoint and replaying trace events through a ShadowStateSystem.
//
// # Basic Usage
//
// Build a tiled history while a trace streams through a state provider:
//
//	backend, err := tracehist.NewTileBackendAuto("my-trace", traceStart, traceEnd, 1, "trace.ht")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Dispose()
//
//	backend.Insert(0, 10, quark, tracehist.StringValue("running"))
//	backend.FinishedBuilding(traceEnd)
//
// Query a single attribute:
//
//	interval, err := backend.SingularQuery(ctx, t, quark)
//
// Finished histories can be archived (snappy-compressed, optionally
// encrypted) to a file, memory, or S3 archive through Archiver, and the
// attribute tree naming the quarks can be persisted to a companion SQLite
// database with SaveAttributeTree.
package tracehist
