// Package config loads the todosync TOML configuration file over the engine defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/astromechza/todosync/pkg/engine"
	"github.com/astromechza/todosync/pkg/persist"
)

const EnvConfigPath = "TODOSYNC_CONFIG"

type Config struct {
	Engine engine.Config
	// APIAddr is the listen address of the local HTTP API. Empty disables it.
	APIAddr string
}

type fileConfig struct {
	Actor               string `toml:"actor"`
	Group               string `toml:"group"`
	Interface           string `toml:"interface"`
	TTL                 int    `toml:"ttl"`
	BroadcastInterval   string `toml:"broadcast_interval"`
	FullSyncInterval    string `toml:"full_sync_interval"`
	LivenessWindow      string `toml:"liveness_window"`
	PeerRetention       string `toml:"peer_retention"`
	ReadTimeout         string `toml:"read_timeout"`
	FragmentMaxPayload  int    `toml:"fragment_max_payload"`
	FragmentIdleTimeout string `toml:"fragment_idle_timeout"`
	FragmentMaxPending  int    `toml:"fragment_max_pending"`
	SavePath            string `toml:"save_path"`
	APIAddr             string `toml:"api_addr"`
}

// Default returns the engine defaults with the save path resolved from the environment.
func Default() (Config, error) {
	cfg := Config{Engine: engine.DefaultConfig()}
	p, err := persist.DefaultPath()
	if err != nil {
		return Config{}, err
	}
	cfg.Engine.SavePath = p
	return cfg, nil
}

// Load reads path over the defaults. An empty path skips the file. TODOSYNC_AUTOSAVE_PATH wins over
// the file's save_path.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := apply(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if p := os.Getenv(persist.EnvSavePath); p != "" {
		cfg.Engine.SavePath = p
	}
	if err := cfg.Engine.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("actor") {
		cfg.Engine.Actor = strings.TrimSpace(raw.Actor)
	}
	if meta.IsDefined("group") {
		cfg.Engine.Transport.Group = strings.TrimSpace(raw.Group)
	}
	if meta.IsDefined("interface") {
		cfg.Engine.Transport.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("ttl") {
		cfg.Engine.Transport.TTL = raw.TTL
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"broadcast_interval", raw.BroadcastInterval, &cfg.Engine.BroadcastInterval},
		{"full_sync_interval", raw.FullSyncInterval, &cfg.Engine.FullSyncInterval},
		{"liveness_window", raw.LivenessWindow, &cfg.Engine.Peers.Window},
		{"peer_retention", raw.PeerRetention, &cfg.Engine.Peers.Retention},
		{"read_timeout", raw.ReadTimeout, &cfg.Engine.ReadTimeout},
		{"fragment_idle_timeout", raw.FragmentIdleTimeout, &cfg.Engine.Reassembly.IdleTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("fragment_max_payload") {
		cfg.Engine.MaxFragmentPayload = raw.FragmentMaxPayload
	}
	if meta.IsDefined("fragment_max_pending") {
		cfg.Engine.Reassembly.MaxPending = raw.FragmentMaxPending
	}
	if meta.IsDefined("save_path") {
		cfg.Engine.SavePath = strings.TrimSpace(raw.SavePath)
	}
	if meta.IsDefined("api_addr") {
		cfg.APIAddr = strings.TrimSpace(raw.APIAddr)
	}
	return nil
}
