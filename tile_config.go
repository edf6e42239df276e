package tracehist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	// historyFileMagic identifies a tiled history file.
	historyFileMagic uint32 = 0x05FFB100

	// historyFileVersion is the current on-disk format version.
	historyFileVersion uint32 = 1

	// staticHeaderSize covers magic, file version, provider version and the
	// config header size.
	staticHeaderSize = 16
)

// IgnoreProviderVersion opts out of the provider version check when opening
// an existing history file.
const IgnoreProviderVersion = -1

// tileConfig holds the resolution ladder, the per-resolution tile offset
// directories, and the header codec for a tiled history file.
//
// The header is written once, on finishedBuilding; until then the offset
// directories live in memory only.
type tileConfig struct {
	path            string
	providerVersion int
	start           int64
	end             int64
	nPixels         int
	resolutions     []int64
	tileOffsets     [][]int64
}

func newTileConfig(path string, providerVersion int, start int64, nPixels int, resolutions []int64) *tileConfig {
	c := &tileConfig{
		path:            path,
		providerVersion: providerVersion,
		start:           start,
		end:             start,
		nPixels:         nPixels,
		resolutions:     resolutions,
	}
	c.tileOffsets = make([][]int64, len(resolutions))
	for i := range resolutions {
		c.tileOffsets[i] = make([]int64, c.numTiles(i))
	}
	return c
}

// numTiles returns the length of the offset directory for one level: the
// coarsest level spans the whole trace with one tile, finer levels subdivide
// that span.
func (c *tileConfig) numTiles(resolutionIndex int) int {
	if len(c.resolutions) == 0 {
		return 0
	}
	span := c.resolutions[resolutionIndex] * int64(c.nPixels)
	total := c.resolutions[0] * int64(c.nPixels)
	return int((total + span - 1) / span)
}

// tileSpan returns the time covered by one tile at the given level.
func (c *tileConfig) tileSpan(resolutionIndex int) int64 {
	return c.resolutions[resolutionIndex] * int64(c.nPixels)
}

// tileIndexForTime returns the directory index of the tile enclosing ts.
func (c *tileConfig) tileIndexForTime(resolutionIndex int, ts int64) int {
	return int((ts - c.start) / c.tileSpan(resolutionIndex))
}

func (c *tileConfig) configHeaderSize() int {
	// Pixel count and resolution count.
	size := 8
	for i := range c.resolutions {
		// Resolution, tile count, and one offset per tile.
		size += 12 + 8*len(c.tileOffsets[i])
	}
	// Trailing start and end timestamps. The per-tile windows are derived
	// from the trace start, which the directory alone cannot recover.
	size += 16
	return size
}

// startTileSection returns the file offset of the first tile payload.
func (c *tileConfig) startTileSection() int64 {
	return int64(staticHeaderSize + c.configHeaderSize())
}

// addTile records the file position of a flushed tile in the offset directory
// of its resolution level. Directories grow when an explicit ladder covers
// less than the full trace; the header stores the final lengths.
func (c *tileConfig) addTile(t *tile, position int64) {
	index := int((t.start - c.start) / (t.resolution * int64(c.nPixels)))
	if index < 0 {
		return
	}
	for i, r := range c.resolutions {
		if r != t.resolution {
			continue
		}
		for len(c.tileOffsets[i]) <= index {
			c.tileOffsets[i] = append(c.tileOffsets[i], 0)
		}
		c.tileOffsets[i][index] = position
	}
}

// readTile loads one tile from the file. A zero directory entry means the
// tile was never flushed; it reads as an empty window.
func (c *tileConfig) readTile(r io.ReaderAt, resolutionIndex, tileIndex int) (*tile, error) {
	span := c.tileSpan(resolutionIndex)
	start := c.start + span*int64(tileIndex)
	end := start + span

	if tileIndex < 0 || tileIndex >= len(c.tileOffsets[resolutionIndex]) {
		return newTile(c.resolutions[resolutionIndex], start, end), nil
	}
	position := c.tileOffsets[resolutionIndex][tileIndex]
	if position == 0 {
		return newTile(c.resolutions[resolutionIndex], start, end), nil
	}

	var sizeBuf [4]byte
	if _, err := r.ReadAt(sizeBuf[:], position); err != nil {
		return nil, newCorruptError(c.path, "cannot read tile size", err)
	}
	tileSize := binary.LittleEndian.Uint32(sizeBuf[:])
	payload := make([]byte, tileSize)
	if _, err := r.ReadAt(payload, position); err != nil {
		return nil, newCorruptError(c.path, "truncated tile payload", err)
	}
	t, err := deserialiseTile(payload, c.resolutions[resolutionIndex], start, end)
	if err != nil {
		return nil, newCorruptError(c.path, "cannot decode tile", err)
	}
	return t, nil
}

// writeHeader writes the static and config headers at the start of the file.
// Called once, from finishedBuilding.
func (c *tileConfig) writeHeader(w io.WriterAt) error {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, historyFileMagic)
	binary.Write(buf, binary.LittleEndian, historyFileVersion)
	binary.Write(buf, binary.LittleEndian, uint32(c.providerVersion))
	binary.Write(buf, binary.LittleEndian, uint32(c.configHeaderSize()))

	binary.Write(buf, binary.LittleEndian, uint32(c.nPixels))
	binary.Write(buf, binary.LittleEndian, uint32(len(c.resolutions)))
	for i, r := range c.resolutions {
		binary.Write(buf, binary.LittleEndian, uint64(r))
		binary.Write(buf, binary.LittleEndian, uint32(len(c.tileOffsets[i])))
		for _, offset := range c.tileOffsets[i] {
			binary.Write(buf, binary.LittleEndian, uint64(offset))
		}
	}
	binary.Write(buf, binary.LittleEndian, c.start)
	binary.Write(buf, binary.LittleEndian, c.end)

	if _, err := w.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("write history header: %w", err)
	}
	return nil
}

// readTileConfig parses the header of an existing history file.
func readTileConfig(f *os.File, providerVersion int) (*tileConfig, error) {
	path := f.Name()

	static := make([]byte, staticHeaderSize)
	if _, err := f.ReadAt(static, 0); err != nil {
		return nil, newCorruptError(path, "cannot read file header", err)
	}

	if magic := binary.LittleEndian.Uint32(static[0:]); magic != historyFileMagic {
		return nil, newCorruptError(path, fmt.Sprintf("bad magic number 0x%08X", magic), nil)
	}
	if version := binary.LittleEndian.Uint32(static[4:]); version != historyFileVersion {
		return nil, newCorruptError(path, fmt.Sprintf("unsupported file version %d", version), nil)
	}
	fileProvider := int(int32(binary.LittleEndian.Uint32(static[8:])))
	if providerVersion != IgnoreProviderVersion && fileProvider != providerVersion {
		return nil, newCorruptError(path,
			fmt.Sprintf("provider version mismatch: file has %d, expected %d", fileProvider, providerVersion), nil)
	}
	configSize := binary.LittleEndian.Uint32(static[12:])

	raw := make([]byte, configSize)
	if _, err := f.ReadAt(raw, staticHeaderSize); err != nil {
		return nil, newCorruptError(path, "truncated config header", err)
	}
	r := bytes.NewReader(raw)

	c := &tileConfig{path: path, providerVersion: fileProvider}
	var nPixels, nResolutions uint32
	if err := binary.Read(r, binary.LittleEndian, &nPixels); err != nil {
		return nil, newCorruptError(path, "truncated config header", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nResolutions); err != nil {
		return nil, newCorruptError(path, "truncated config header", err)
	}
	c.nPixels = int(nPixels)
	c.resolutions = make([]int64, nResolutions)
	c.tileOffsets = make([][]int64, nResolutions)
	for i := range c.resolutions {
		var resolution uint64
		var nTiles uint32
		if err := binary.Read(r, binary.LittleEndian, &resolution); err != nil {
			return nil, newCorruptError(path, "truncated resolution directory", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &nTiles); err != nil {
			return nil, newCorruptError(path, "truncated resolution directory", err)
		}
		c.resolutions[i] = int64(resolution)
		c.tileOffsets[i] = make([]int64, nTiles)
		for j := range c.tileOffsets[i] {
			var offset uint64
			if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
				return nil, newCorruptError(path, "truncated tile directory", err)
			}
			c.tileOffsets[i][j] = int64(offset)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &c.start); err != nil {
		return nil, newCorruptError(path, "missing trace start time", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &c.end); err != nil {
		return nil, newCorruptError(path, "missing trace end time", err)
	}
	return c, nil
}
