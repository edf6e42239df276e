package tracehist

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAttributeTreeQuarks(t *testing.T) {
	tree := NewAttributeTree()

	cpu0 := tree.QuarkForPathOrCreate("cpu", "0")
	cpu1 := tree.QuarkForPathOrCreate("cpu", "1")
	if cpu0 == cpu1 {
		t.Fatal("distinct paths share a quark")
	}
	if again := tree.QuarkForPathOrCreate("cpu", "0"); again != cpu0 {
		t.Errorf("repeated creation: got %d, want %d", again, cpu0)
	}

	// Intermediate nodes get quarks of their own.
	parent, ok := tree.QuarkForPath("cpu")
	if !ok {
		t.Fatal("intermediate node missing")
	}
	if parent == cpu0 || parent == cpu1 {
		t.Error("parent shares a quark with a child")
	}

	if _, ok := tree.QuarkForPath("cpu", "2"); ok {
		t.Error("probe invented an attribute")
	}
	if got := tree.NumAttributes(); got != 3 {
		t.Errorf("NumAttributes = %d, want 3", got)
	}

	if got := tree.PathForQuark(cpu1); len(got) != 2 || got[0] != "cpu" || got[1] != "1" {
		t.Errorf("PathForQuark: got %v", got)
	}
}

func TestAttributeTreeSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "attributes.db")

	tree := NewAttributeTree()
	tree.QuarkForPathOrCreate("cpu", "0", "current_thread")
	tree.QuarkForPathOrCreate("cpu", "1", "current_thread")
	tree.QuarkForPathOrCreate("threads", "42", "status")

	if err := SaveAttributeTree(ctx, tree, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadAttributeTree(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got, want := loaded.NumAttributes(), tree.NumAttributes(); got != want {
		t.Fatalf("NumAttributes after load: got %d, want %d", got, want)
	}
	for _, path := range [][]string{
		{"cpu"},
		{"cpu", "0", "current_thread"},
		{"threads", "42", "status"},
	} {
		want, ok := tree.QuarkForPath(path...)
		if !ok {
			t.Fatalf("path %v missing from the original tree", path)
		}
		got, ok := loaded.QuarkForPath(path...)
		if !ok || got != want {
			t.Errorf("path %v after load: got %d (%v), want %d", path, got, ok, want)
		}
	}
}

func TestAttributeTreeSQLiteOverwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "attributes.db")

	first := NewAttributeTree()
	first.QuarkForPathOrCreate("old")
	if err := SaveAttributeTree(ctx, first, path); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := NewAttributeTree()
	second.QuarkForPathOrCreate("new", "child")
	if err := SaveAttributeTree(ctx, second, path); err != nil {
		t.Fatalf("save second: %v", err)
	}

	loaded, err := LoadAttributeTree(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := loaded.QuarkForPath("old"); ok {
		t.Error("stale attribute survived the overwrite")
	}
	if _, ok := loaded.QuarkForPath("new", "child"); !ok {
		t.Error("new attribute missing after overwrite")
	}
}
