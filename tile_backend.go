package tracehist

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
)

// TileBackend stores state intervals in fixed-span tiles, one tile array per
// resolution level, inside a single history file. Writes distribute every
// interval to all levels and flush tiles as they fill; reads pick the level
// matching the requested sampling and fall back to coarser levels.
type TileBackend struct {
	ssid    string
	cfg     *tileConfig
	logger  *slog.Logger
	metrics *Metrics

	readFile  *os.File
	writeFile *os.File

	mu               sync.RWMutex
	end              int64
	finished         bool
	disposed         bool
	writePos         int64
	tileSectionStart int64
	// One slot per resolution level: the open tile while building, then a
	// last-read cache once the history is finished. Slot swaps done by
	// concurrent readers go through cacheMu; the producer writes slots
	// under the exclusive mu.
	cacheMu sync.Mutex
	tiles   []*tile
}

var _ Backend = (*TileBackend)(nil)

func newTileBackend(ssid string, cfg *tileConfig, logger *slog.Logger, metrics *Metrics) (*TileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.Remove(cfg.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot replace history file %s: %w", cfg.path, err)
	}
	writeFile, err := os.OpenFile(cfg.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot create history file %s: %w", cfg.path, err)
	}
	readFile, err := os.Open(cfg.path)
	if err != nil {
		writeFile.Close()
		return nil, fmt.Errorf("cannot open history file %s: %w", cfg.path, err)
	}

	return &TileBackend{
		ssid:             ssid,
		cfg:              cfg,
		logger:           logger,
		metrics:          metrics,
		readFile:         readFile,
		writeFile:        writeFile,
		end:              cfg.start,
		writePos:         cfg.startTileSection(),
		tileSectionStart: cfg.startTileSection(),
		tiles:            make([]*tile, len(cfg.resolutions)),
	}, nil
}

func openTileBackend(ssid, path string, providerVersion int, logger *slog.Logger, metrics *Metrics) (*TileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	readFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open history file %s: %w", path, err)
	}
	cfg, err := readTileConfig(readFile, providerVersion)
	if err != nil {
		readFile.Close()
		return nil, err
	}
	writeFile, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		readFile.Close()
		return nil, fmt.Errorf("cannot open history file %s: %w", path, err)
	}

	return &TileBackend{
		ssid:      ssid,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		readFile:  readFile,
		writeFile: writeFile,
		end:       cfg.end,
		finished:  true,
		tiles:     make([]*tile, len(cfg.resolutions)),
	}, nil
}

// SSID returns the owning state system's identifier.
func (b *TileBackend) SSID() string {
	return b.ssid
}

// StartTime returns the trace start configured for this history.
func (b *TileBackend) StartTime() int64 {
	return b.cfg.start
}

// EndTime returns the latest end time observed so far.
func (b *TileBackend) EndTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}

// Resolutions returns the resolution ladder, coarsest first.
func (b *TileBackend) Resolutions() []int64 {
	return b.cfg.resolutions
}

// Insert offers one interval to the open tile of every resolution level.
// A tile that reports itself finished is flushed and replaced by its
// successor, which then receives the interval.
func (b *TileBackend) Insert(start, end int64, quark int, value StateValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	b.end = end

	for i := range b.cfg.resolutions {
		if b.tiles[i] == nil {
			b.tiles[i] = b.allocateTile(i, start)
		}
		b.tiles[i].insert(start, end, quark, value)
		if b.tiles[i].isFinished() {
			b.flushTile(b.tiles[i])
			next := b.successorTile(i, end)
			b.tiles[i] = next
			next.insert(start, end, quark, value)
		}
	}
	return nil
}

func (b *TileBackend) allocateTile(resolutionIndex int, start int64) *tile {
	end := start + b.cfg.tileSpan(resolutionIndex)
	if resolutionIndex == 0 {
		return newCoarsestTile(b.cfg.resolutions[resolutionIndex], start, end)
	}
	return newTile(b.cfg.resolutions[resolutionIndex], start, end)
}

// successorTile opens the next tile window after the current one, skipping
// forward until the window reaches the interval that finished the tile.
func (b *TileBackend) successorTile(resolutionIndex int, endTime int64) *tile {
	span := b.cfg.tileSpan(resolutionIndex)
	start := b.tiles[resolutionIndex].end + 1
	for start+span < endTime {
		start += span + 1
	}
	if resolutionIndex == 0 {
		return newCoarsestTile(b.cfg.resolutions[resolutionIndex], start, start+span)
	}
	return newTile(b.cfg.resolutions[resolutionIndex], start, start+span)
}

// flushTile appends the tile to the file and records its offset. Flush
// failures are logged and do not abort the build.
func (b *TileBackend) flushTile(t *tile) {
	buf := &bytes.Buffer{}
	if err := t.serialise(buf); err != nil {
		b.logger.Error("cannot serialise tile", "ssid", b.ssid, "resolution", t.resolution, "err", err)
		return
	}
	if _, err := b.writeFile.WriteAt(buf.Bytes(), b.writePos); err != nil {
		b.logger.Error("cannot flush tile", "ssid", b.ssid, "resolution", t.resolution, "err", err)
		return
	}
	b.cfg.addTile(t, b.writePos)
	b.writePos += int64(buf.Len())
	b.metrics.incTilesFlushed()
}

// FinishedBuilding flushes the open tiles and writes the file header. The
// header is only written here, so an unfinished build leaves a file without a
// valid magic number.
func (b *TileBackend) FinishedBuilding(endTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if b.finished && endTime == b.end {
		return nil
	}

	b.end = endTime
	b.cfg.end = endTime
	for _, t := range b.tiles {
		if t != nil {
			b.flushTile(t)
		}
	}
	if err := b.relocateTileSection(); err != nil {
		return err
	}
	if err := b.cfg.writeHeader(b.writeFile); err != nil {
		return err
	}
	if err := b.writeFile.Sync(); err != nil {
		return fmt.Errorf("sync history file: %w", err)
	}
	b.finished = true
	return nil
}

// relocateTileSection shifts the tile section forward when the offset
// directories grew past the space reserved for the header. This only happens
// with an explicit ladder whose coarsest level covers less than the trace.
func (b *TileBackend) relocateTileSection() error {
	reserved := b.tileSectionStart
	needed := b.cfg.startTileSection()
	if needed <= reserved {
		return nil
	}

	section := make([]byte, b.writePos-reserved)
	if _, err := b.readFile.ReadAt(section, reserved); err != nil {
		return fmt.Errorf("relocate tile section: %w", err)
	}
	if _, err := b.writeFile.WriteAt(section, needed); err != nil {
		return fmt.Errorf("relocate tile section: %w", err)
	}
	delta := needed - reserved
	for i := range b.cfg.tileOffsets {
		for j, offset := range b.cfg.tileOffsets[i] {
			if offset != 0 {
				b.cfg.tileOffsets[i][j] = offset + delta
			}
		}
	}
	b.writePos += delta
	b.tileSectionStart = needed
	return nil
}

func (b *TileBackend) tileSlot(resolutionIndex int) *tile {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	return b.tiles[resolutionIndex]
}

// readTile returns the tile enclosing ts at one level, preferring the cached
// tile. Once the history is finished, the read replaces the cache slot.
func (b *TileBackend) readTile(resolutionIndex int, ts int64) (*tile, error) {
	if t := b.tileSlot(resolutionIndex); t != nil && ts >= t.start && ts < t.end {
		return t, nil
	}
	t, err := b.cfg.readTile(b.readFile, resolutionIndex, b.cfg.tileIndexForTime(resolutionIndex, ts))
	if err != nil {
		return nil, err
	}
	b.metrics.incTileReads()
	if b.finished {
		b.cacheMu.Lock()
		b.tiles[resolutionIndex] = t
		b.cacheMu.Unlock()
	}
	return t, nil
}

// coarserLevel steps toward the coarsest level, skipping levels whose
// resolution cannot hold anything longer than the current level's tile span.
// It always makes progress.
func (b *TileBackend) coarserLevel(resolutionIndex int) int {
	minimumIntervalSize := b.cfg.resolutions[resolutionIndex] * int64(b.cfg.nPixels)
	next := resolutionIndex
	for next-1 >= 0 && minimumIntervalSize > b.cfg.resolutions[next-1] {
		next--
	}
	if next == resolutionIndex && resolutionIndex > 0 {
		next = resolutionIndex - 1
	}
	return next
}

func (b *TileBackend) checkValidTime(t int64) error {
	if t < b.cfg.start || t > b.end {
		return &TimeRangeError{SSID: b.ssid, T: t, Start: b.cfg.start, End: b.end}
	}
	return nil
}

// PointQuery fills the nil entries of state with the intervals covering t.
// It starts at the finest level, peeks at the adjacent tile for states that
// end later, and demotes to coarser levels until the state is full. The
// coarsest tile preserves every interval and is authoritative.
func (b *TileBackend) PointQuery(ctx context.Context, state []*Interval, t int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return ErrDisposed
	}
	if err := b.checkValidTime(t); err != nil {
		return err
	}
	return b.pointQueryLocked(ctx, state, t)
}

// SingularQuery returns the interval covering t for one quark, descending the
// resolution ladder the same way PointQuery does.
func (b *TileBackend) SingularQuery(ctx context.Context, t int64, quark int) (*Interval, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return nil, ErrDisposed
	}
	if err := b.checkValidTime(t); err != nil {
		return nil, err
	}

	resolutionIndex := len(b.cfg.resolutions) - 1
	tile, err := b.readTile(resolutionIndex, t)
	if err != nil {
		return nil, err
	}
	interval := tile.singularQuery(t, quark)

	for interval == nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		adjacent := t + b.cfg.tileSpan(resolutionIndex)
		if adjacent <= b.end {
			tile, err = b.readTile(resolutionIndex, adjacent)
			if err != nil {
				return nil, err
			}
			if interval = tile.singularQuery(t, quark); interval != nil {
				return interval, nil
			}
		}
		if resolutionIndex == 0 {
			break
		}
		resolutionIndex = b.coarserLevel(resolutionIndex)
		tile, err = b.readTile(resolutionIndex, t)
		if err != nil {
			return nil, err
		}
		interval = tile.singularQuery(t, quark)
	}

	if interval == nil && t == b.end {
		tile, err = b.readTile(0, t)
		if err != nil {
			return nil, err
		}
		interval = tile.lastInterval(quark)
	}
	return interval, nil
}

// RangeQuery answers a 2-D query by picking the coarsest level whose
// resolution still resolves the requested sample step, walking the tiles
// covering the range, and topping up quarks whose state the last tile has
// already cut off. Internal errors degrade to the intervals gathered so far.
func (b *TileBackend) RangeQuery(ctx context.Context, quarks QuarkRangeCondition, times TimeRangeCondition) (iter.Seq[Interval], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return nil, ErrDisposed
	}
	if quarks.Empty() || times.Empty() || len(times.Times()) < 2 || times.Min() >= b.end {
		return emptySeq(), nil
	}

	requested := times.Step()
	resolutionIndex := 0
	for b.cfg.resolutions[resolutionIndex] > requested && resolutionIndex+1 < len(b.cfg.resolutions) {
		resolutionIndex++
	}
	span := b.cfg.tileSpan(resolutionIndex)

	tiles := make([]*tile, 0, 4)
	current, err := b.readTile(resolutionIndex, times.Min())
	if err != nil {
		b.logger.Error("range query degraded", "ssid", b.ssid, "err", err)
		return emptySeq(), nil
	}
	tiles = append(tiles, current)
	for i := int64(1); current.end < times.Max() && current.end < b.end; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		current, err = b.readTile(resolutionIndex, times.Min()+i*span)
		if err != nil {
			b.logger.Error("range query degraded", "ssid", b.ssid, "err", err)
			break
		}
		tiles = append(tiles, current)
	}

	// The last tile may have cut off states still running at the end of the
	// range; a point query fills those in.
	var topUp []Interval
	missing := tiles[len(tiles)-1].missing(quarks.Quarks(), times.Max())
	if len(missing) > 0 {
		t := min(times.Max(), b.end)
		state := make([]*Interval, b.numAttributesAt(t))
		if err := b.pointQueryLocked(ctx, state, t); err != nil {
			b.logger.Error("range query top-up degraded", "ssid", b.ssid, "err", err)
		} else {
			for _, quark := range missing {
				if quark < len(state) && state[quark] != nil {
					topUp = append(topUp, *state[quark])
				}
			}
		}
	}

	return func(yield func(Interval) bool) {
		for _, t := range tiles {
			for in := range t.rangeQuery(quarks, times) {
				if !yield(in) {
					return
				}
			}
		}
		for _, in := range topUp {
			if !yield(in) {
				return
			}
		}
	}, nil
}

// pointQueryLocked runs the PointQuery descent with the backend lock already
// held by the caller.
func (b *TileBackend) pointQueryLocked(ctx context.Context, state []*Interval, t int64) error {
	resolutionIndex := len(b.cfg.resolutions) - 1
	tile, err := b.readTile(resolutionIndex, t)
	if err != nil {
		return err
	}
	tile.pointQuery(state, t)

	for hasNil(state) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		// An interval covering t is stored in the tile holding its end
		// time, which may be one window forward.
		adjacent := t + b.cfg.tileSpan(resolutionIndex)
		if adjacent <= b.end {
			tile, err = b.readTile(resolutionIndex, adjacent)
			if err != nil {
				return err
			}
			tile.pointQuery(state, t)
		}
		if !hasNil(state) || resolutionIndex == 0 {
			break
		}
		resolutionIndex = b.coarserLevel(resolutionIndex)
		tile, err = b.readTile(resolutionIndex, t)
		if err != nil {
			return err
		}
		tile.pointQuery(state, t)
	}

	// At the trace end, states that were never closed by the producer still
	// count as current; the coarsest level keeps every run's tail.
	if t == b.end && hasNil(state) {
		return b.fillTailState(state, t)
	}
	return nil
}

func (b *TileBackend) fillTailState(state []*Interval, t int64) error {
	tile, err := b.readTile(0, t)
	if err != nil {
		return err
	}
	for quark := range state {
		if state[quark] == nil {
			state[quark] = tile.lastInterval(quark)
		}
	}
	return nil
}

// numAttributesAt counts the quarks known to the coarsest level, which keeps
// every interval and therefore every quark seen so far.
func (b *TileBackend) numAttributesAt(ts int64) int {
	if t := b.tileSlot(0); t != nil {
		return t.numAttributes()
	}
	t, err := b.cfg.readTile(b.readFile, 0, b.cfg.tileIndexForTime(0, ts))
	if err != nil {
		return 0
	}
	return t.numAttributes()
}

// Dispose closes the file handles. A history that never finished building
// leaves no file behind.
func (b *TileBackend) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil
	}
	b.disposed = true
	b.readFile.Close()
	b.writeFile.Close()
	if !b.finished {
		if err := os.Remove(b.cfg.path); err != nil && !os.IsNotExist(err) {
			b.logger.Error("cannot remove unfinished history file", "path", b.cfg.path, "err", err)
		}
	}
	return nil
}

// RemoveFiles deletes the history file.
func (b *TileBackend) RemoveFiles() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(b.cfg.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

func hasNil(state []*Interval) bool {
	for _, in := range state {
		if in == nil {
			return true
		}
	}
	return false
}
