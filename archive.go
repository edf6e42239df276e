package tracehist

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/snappy"
)

// ArchiveBackend stores archived history blobs. Implementations cover the
// local filesystem, memory, and S3-compatible object stores.
type ArchiveBackend interface {
	// Read reads a blob from the archive.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes a blob to the archive.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a blob.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether a blob exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented.
var (
	_ ArchiveBackend = (*FileArchiveBackend)(nil)
	_ ArchiveBackend = (*MemoryArchiveBackend)(nil)
	_ ArchiveBackend = (*S3ArchiveBackend)(nil)
)

// Archiver copies finished history files into an archive backend and
// restores them byte-identical. Blobs are snappy-compressed and, when an
// encryptor is configured, sealed at rest. The primary history file format
// is never altered; archival operates on whole files.
type Archiver struct {
	backend ArchiveBackend
	enc     *Encryptor
}

// NewArchiver creates an archiver over a backend. enc may be nil for
// plaintext archives.
func NewArchiver(backend ArchiveBackend, enc *Encryptor) *Archiver {
	return &Archiver{backend: backend, enc: enc}
}

// NewArchiverFromConfig builds the configured backend and encryptor.
func NewArchiverFromConfig(cfg ArchiveConfig) (*Archiver, error) {
	enc, err := NewEncryptor(cfg.Encryption)
	if err != nil {
		return nil, err
	}
	var backend ArchiveBackend
	switch cfg.Backend {
	case "file":
		backend, err = NewFileArchiveBackend(cfg.Dir)
	case "memory":
		backend = NewMemoryArchiveBackend()
	case "s3":
		backend, err = NewS3ArchiveBackend(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewArchiver(backend, enc), nil
}

// ArchiveHistory stores the history file at path under the given key.
func (a *Archiver) ArchiveHistory(ctx context.Context, path, key string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read history file: %w", err)
	}
	blob := snappy.Encode(nil, raw)
	if a.enc != nil {
		if blob, err = a.enc.Encrypt(blob); err != nil {
			return err
		}
	}
	return a.backend.Write(ctx, key, blob)
}

// RestoreHistory fetches an archived history and writes it to path.
func (a *Archiver) RestoreHistory(ctx context.Context, key, path string) error {
	blob, err := a.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read archived history: %w", err)
	}
	if a.enc != nil {
		if blob, err = a.enc.Decrypt(blob); err != nil {
			return err
		}
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return newCorruptError(key, "cannot decompress archived history", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write restored history: %w", err)
	}
	return nil
}

// Close closes the underlying backend.
func (a *Archiver) Close() error {
	return a.backend.Close()
}
