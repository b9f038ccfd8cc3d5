package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/todosync/pkg/engine"
	"github.com/astromechza/todosync/pkg/persist"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "todosync.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(persist.EnvSavePath, "")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	cfg, err := Load("")
	require.NoError(t, err)

	want := engine.DefaultConfig()
	want.SavePath = "/xdg/todosync/automerge.save"
	require.Equal(t, want, cfg.Engine)
	require.Empty(t, cfg.APIAddr)
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	t.Setenv(persist.EnvSavePath, "")
	p := writeConfig(t, `
actor = "0102030405060708090a0b0c0d0e0f10"
group = "239.9.9.9:2222"
broadcast_interval = "500ms"
liveness_window = "3s"
fragment_idle_timeout = "2s"
fragment_max_payload = 1000
save_path = "/var/lib/todosync/state.save"
api_addr = "127.0.0.1:7777"
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	require.Equal(t, "0102030405060708090a0b0c0d0e0f10", cfg.Engine.Actor)
	require.Equal(t, "239.9.9.9:2222", cfg.Engine.Transport.Group)
	require.Equal(t, 500*time.Millisecond, cfg.Engine.BroadcastInterval)
	require.Equal(t, 3*time.Second, cfg.Engine.Peers.Window)
	require.Equal(t, 2*time.Second, cfg.Engine.Reassembly.IdleTimeout)
	require.Equal(t, 1000, cfg.Engine.MaxFragmentPayload)
	require.Equal(t, "/var/lib/todosync/state.save", cfg.Engine.SavePath)
	require.Equal(t, "127.0.0.1:7777", cfg.APIAddr)

	def := engine.DefaultConfig()
	require.Equal(t, def.FullSyncInterval, cfg.Engine.FullSyncInterval)
	require.Equal(t, def.Peers.Retention, cfg.Engine.Peers.Retention)
	require.Equal(t, def.Reassembly.MaxPending, cfg.Engine.Reassembly.MaxPending)
}

func TestEnvSavePathWins(t *testing.T) {
	t.Setenv(persist.EnvSavePath, "/env/override.save")
	cfg, err := Load(writeConfig(t, `save_path = "/from/file.save"`))
	require.NoError(t, err)
	require.Equal(t, "/env/override.save", cfg.Engine.SavePath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeConfig(t, `broadcast_interval = "soon"`))
	require.ErrorContains(t, err, "broadcast_interval")

	_, err = Load(writeConfig(t, `not_a_key = 1`))
	require.ErrorContains(t, err, "unknown keys")

	_, err = Load(writeConfig(t, `full_sync_interval = "1ms"`))
	require.ErrorIs(t, err, engine.ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
