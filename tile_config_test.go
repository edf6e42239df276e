package tracehist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTileConfigHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "header.ht")

	cfg := newTileConfig(path, 3, 1_000, 2000, []int64{400, 100, 25})
	cfg.end = 801_000
	cfg.tileOffsets[1][2] = 4096
	cfg.tileOffsets[2][7] = 8192

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if err := cfg.writeHeader(f); err != nil {
		t.Fatalf("write header: %v", err)
	}

	read, err := readTileConfig(f, 3)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if read.start != cfg.start || read.end != cfg.end || read.nPixels != cfg.nPixels {
		t.Errorf("config round trip: got start=%d end=%d nPixels=%d", read.start, read.end, read.nPixels)
	}
	if len(read.resolutions) != 3 || read.resolutions[0] != 400 || read.resolutions[2] != 25 {
		t.Errorf("resolutions round trip: got %v", read.resolutions)
	}
	if read.tileOffsets[1][2] != 4096 || read.tileOffsets[2][7] != 8192 {
		t.Errorf("tile offsets round trip: got %v", read.tileOffsets)
	}
}

func TestTileConfigProviderVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "header.ht")

	cfg := newTileConfig(path, 7, 0, 2000, []int64{100})
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := cfg.writeHeader(f); err != nil {
		t.Fatalf("write header: %v", err)
	}

	if _, err := readTileConfig(f, 8); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt on provider mismatch, got %v", err)
	}
	if _, err := readTileConfig(f, IgnoreProviderVersion); err != nil {
		t.Errorf("sentinel should skip the provider check: %v", err)
	}
}

func TestTileConfigNumTiles(t *testing.T) {
	cfg := newTileConfig("unused", 1, 0, 2000, []int64{400, 100, 25})

	// The coarsest level holds one tile; each finer level subdivides the
	// same span.
	for i, want := range []int{1, 4, 16} {
		if got := cfg.numTiles(i); got != want {
			t.Errorf("numTiles(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestTileConfigReadUnknownTile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "header.ht")
	cfg := newTileConfig(path, 1, 0, 2, []int64{10})

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	// Offset 0 and out-of-directory indexes both read as empty windows.
	tl, err := cfg.readTile(f, 0, 0)
	if err != nil {
		t.Fatalf("read unflushed tile: %v", err)
	}
	if tl.numAttributes() != 0 || tl.start != 0 || tl.end != 20 {
		t.Errorf("unflushed tile: got start=%d end=%d", tl.start, tl.end)
	}

	tl, err = cfg.readTile(f, 0, 12)
	if err != nil {
		t.Fatalf("read out-of-range tile: %v", err)
	}
	if tl.start != 240 || tl.end != 260 {
		t.Errorf("out-of-range tile window: got [%d, %d]", tl.start, tl.end)
	}
}
