// Package persist keeps the single snapshot file of the replica document.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

const (
	EnvSavePath     = "TODOSYNC_AUTOSAVE_PATH"
	defaultDirName  = "todosync"
	defaultFileName = "automerge.save"
)

var (
	ErrWrite = errors.New("persist: write snapshot")
	ErrRead  = errors.New("persist: read snapshot")
)

// DefaultPath resolves the snapshot location: the env override first, then the XDG data dir, then
// ~/.local/share.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvSavePath); p != "" {
		return p, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, defaultDirName, defaultFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", defaultDirName, defaultFileName), nil
}

type Store struct {
	path      string
	writeFile func(filename string, r io.Reader) error
}

func New(path string) *Store {
	return &Store{path: path, writeFile: atomic.WriteFile}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the last committed snapshot, or nil without error when none exists yet.
func (s *Store) Load() ([]byte, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return raw, nil
}

// Save replaces the snapshot through a temp file in the same directory followed by a rename, so a
// crash leaves either the old or the new snapshot in place.
func (s *Store) Save(data []byte) error {
	return s.save(bytes.NewReader(data))
}

func (s *Store) save(r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := s.writeFile(s.path, r); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}
