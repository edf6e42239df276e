package tracehist

import (
	"testing"

	"github.com/tracehist-db/tracehist/internal/testutil"
)

func TestDeriveResolutions(t *testing.T) {
	resolutions := deriveResolutions(1_000_000_000, DefaultNPixels)

	if resolutions[0] != 1_000_000_000/DefaultNPixels+1 {
		t.Errorf("coarsest resolution: got %d", resolutions[0])
	}
	for i := 1; i < len(resolutions); i++ {
		if resolutions[i] >= resolutions[i-1] {
			t.Fatalf("ladder not decreasing at %d: %v", i, resolutions)
		}
	}
	finest := resolutions[len(resolutions)-1]
	if finest > MinResolution {
		t.Errorf("finest resolution %d above the floor", finest)
	}
	for _, r := range resolutions[:len(resolutions)-1] {
		if r <= MinResolution {
			t.Errorf("ladder descends past the floor more than once: %v", resolutions)
		}
	}
}

func TestDeriveResolutionsShortTrace(t *testing.T) {
	resolutions := deriveResolutions(1000, DefaultNPixels)
	if len(resolutions) != 1 {
		t.Fatalf("short trace should need a single level, got %v", resolutions)
	}
}

func TestNewTileBackendAuto(t *testing.T) {
	_, path := testutil.TempHistoryPath(t)

	backend, err := NewTileBackendAuto("auto", 0, 1_000_000_000, 1, path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer backend.Dispose()

	resolutions := backend.Resolutions()
	if len(resolutions) < 2 {
		t.Fatalf("expected a multi-level ladder, got %v", resolutions)
	}
	// The coarsest level must cover the whole trace in one tile.
	if resolutions[0]*DefaultNPixels < 1_000_000_000 {
		t.Errorf("coarsest level covers %d of 1000000000", resolutions[0]*DefaultNPixels)
	}
}

func TestNewTileBackendValidation(t *testing.T) {
	_, path := testutil.TempHistoryPath(t)

	if _, err := NewTileBackend("v", path, 1, 0, 2000, nil); err == nil {
		t.Error("empty ladder accepted")
	}
	if _, err := NewTileBackend("v", path, 1, 0, 2000, []int64{25, 100}); err == nil {
		t.Error("increasing ladder accepted")
	}
	if _, err := NewTileBackend("v", path, 1, 0, 2000, []int64{100, 0}); err == nil {
		t.Error("non-positive resolution accepted")
	}
}
