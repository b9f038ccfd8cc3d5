package persist

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nested", "state.save"))
	raw, err := s.Load()
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestSaveCreatesDirAndOverwrites(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nested", "state.save"))
	require.NoError(t, s.Save([]byte("first")))
	require.NoError(t, s.Save([]byte("second")))

	raw, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), raw)
}

// interruptedReader yields part of a snapshot and then fails, like a process dying mid-write.
type interruptedReader struct {
	data []byte
	sent bool
}

func (r *interruptedReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, errors.New("power lost")
	}
	r.sent = true
	return copy(p, r.data), nil
}

func TestInterruptedWriteKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.save"))
	require.NoError(t, s.Save([]byte("committed")))

	err := s.save(&interruptedReader{data: bytes.Repeat([]byte("half"), 100)})
	require.ErrorIs(t, err, ErrWrite)

	raw, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), raw)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
}

func TestSaveFailureIsReported(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.save"))
	s.writeFile = func(string, io.Reader) error { return errors.New("disk full") }
	require.ErrorIs(t, s.Save([]byte("x")), ErrWrite)
}

func TestLoadUnreadable(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	_, err := s.Load()
	require.ErrorIs(t, err, ErrRead)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvSavePath, "/tmp/override.save")
	p, err := DefaultPath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/override.save", p)

	t.Setenv(EnvSavePath, "")
	t.Setenv("XDG_DATA_HOME", "/data")
	p, err = DefaultPath()
	require.NoError(t, err)
	require.Equal(t, "/data/todosync/automerge.save", p)

	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/someone")
	p, err = DefaultPath()
	require.NoError(t, err)
	require.Equal(t, "/home/someone/.local/share/todosync/automerge.save", p)
}
