package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// FileBackend keeps one file per identity under Dir. File names are hashes
// so identities never appear on disk.
type FileBackend struct {
	Dir string
}

// NewFileBackend creates dir with owner-only permissions.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, eris.Wrapf(err, "session: create dir %s", dir)
	}
	return &FileBackend{Dir: dir}, nil
}

func (b *FileBackend) path(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return filepath.Join(b.Dir, hex.EncodeToString(sum[:16])+".session")
}

// LoadSession implements Backend.
func (b *FileBackend) LoadSession(_ context.Context, identity string) ([]byte, error) {
	data, err := os.ReadFile(b.path(identity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "session: read file")
	}
	return data, nil
}

// SaveSession implements Backend. The write is atomic.
func (b *FileBackend) SaveSession(_ context.Context, identity string, data []byte, _ time.Time) error {
	final := b.path(identity)
	tmp, err := os.CreateTemp(b.Dir, ".session-*")
	if err != nil {
		return eris.Wrap(err, "session: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return eris.Wrap(err, "session: chmod temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return eris.Wrap(err, "session: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "session: close temp file")
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return eris.Wrap(err, "session: rename temp file")
	}
	return nil
}

// DeleteSession implements Backend. Deleting a missing record is not an
// error.
func (b *FileBackend) DeleteSession(_ context.Context, identity string) error {
	err := os.Remove(b.path(identity))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrap(err, "session: remove file")
	}
	return nil
}
