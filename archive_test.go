package tracehist

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestArchiverRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	source := filepath.Join(dir, "trace.ht")
	payload := bytes.Repeat([]byte("interval store payload "), 200)
	if err := os.WriteFile(source, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	backend := NewMemoryArchiveBackend()
	archiver := NewArchiver(backend, nil)

	if err := archiver.ArchiveHistory(ctx, source, "traces/trace.ht"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// Snappy on repetitive data must actually shrink the blob.
	blob, err := backend.Read(ctx, "traces/trace.ht")
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if len(blob) >= len(payload) {
		t.Errorf("blob not compressed: %d bytes for %d of input", len(blob), len(payload))
	}

	restored := filepath.Join(dir, "restored.ht")
	if err := archiver.RestoreHistory(ctx, "traces/trace.ht", restored); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("restored file differs from the source")
	}
}

func TestArchiverEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	source := filepath.Join(dir, "trace.ht")
	payload := []byte("secret state history")
	if err := os.WriteFile(source, payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	backend := NewMemoryArchiveBackend()
	archiver := NewArchiver(backend, enc)

	if err := archiver.ArchiveHistory(ctx, source, "k"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	blob, err := backend.Read(ctx, "k")
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if bytes.Contains(blob, []byte("secret")) {
		t.Error("archived blob leaks plaintext")
	}

	restored := filepath.Join(dir, "restored.ht")
	if err := archiver.RestoreHistory(ctx, "k", restored); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, _ := os.ReadFile(restored)
	if !bytes.Equal(got, payload) {
		t.Error("decrypted restore differs from the source")
	}

	// A different password must not open the blob.
	wrong, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "wrong"})
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	bad := NewArchiver(backend, wrong)
	if err := bad.RestoreHistory(ctx, "k", filepath.Join(dir, "bad.ht")); err == nil {
		t.Error("restore with the wrong password succeeded")
	}
}

func TestFileArchiveBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileArchiveBackend(t.TempDir())
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	defer backend.Close()

	if err := backend.Write(ctx, "a/b/blob", []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := backend.Exists(ctx, "a/b/blob")
	if err != nil || !ok {
		t.Fatalf("exists: %v, %v", ok, err)
	}
	got, err := backend.Read(ctx, "a/b/blob")
	if err != nil || string(got) != "data" {
		t.Fatalf("read: %q, %v", got, err)
	}
	keys, err := backend.List(ctx, "a")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v, %v", keys, err)
	}
	if err := backend.Delete(ctx, "a/b/blob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := backend.Exists(ctx, "a/b/blob"); ok {
		t.Error("blob still exists after delete")
	}
}

func TestFileArchiveBackendRejectsEscape(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileArchiveBackend(t.TempDir())
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	defer backend.Close()

	if err := backend.Write(ctx, "../escape", []byte("x")); err == nil {
		t.Error("path traversal accepted")
	}
}

func TestArchiveFinishedHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.ht")

	backend, err := NewTileBackend("arch", path, 1, 0, 2000, []int64{100})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	mustInsert(t, backend, 0, 10, 0, StringValue("A"))
	mustInsert(t, backend, 10, 30, 0, StringValue("B"))
	if err := backend.FinishedBuilding(30); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := backend.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	archiver := NewArchiver(NewMemoryArchiveBackend(), nil)
	if err := archiver.ArchiveHistory(ctx, path, "trace.ht"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	restored := filepath.Join(dir, "restored.ht")
	if err := archiver.RestoreHistory(ctx, "trace.ht", restored); err != nil {
		t.Fatalf("restore: %v", err)
	}

	reopened, err := OpenTileBackend("arch", 1, restored)
	if err != nil {
		t.Fatalf("reopen restored history: %v", err)
	}
	defer reopened.Dispose()

	in, err := reopened.SingularQuery(ctx, 15, 0)
	if err != nil || in == nil || in.Value.Text() != "B" {
		t.Errorf("query on the restored history: got %v, %v", in, err)
	}
}
