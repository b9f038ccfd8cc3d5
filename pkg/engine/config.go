package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/astromechza/todosync/pkg/fragment"
	"github.com/astromechza/todosync/pkg/peers"
	"github.com/astromechza/todosync/pkg/transport"
	"github.com/astromechza/todosync/pkg/wire"
)

var ErrInvalidConfig = errors.New("engine: invalid config")

type Config struct {
	// Actor is the hex encoded 16 byte identity of this instance. Empty picks a random one per start.
	Actor     string
	Transport transport.Config
	// BroadcastInterval is the tick period for sending pending changes and housekeeping.
	BroadcastInterval time.Duration
	// FullSyncInterval is how often the whole history is rebroadcast so that peers that missed
	// datagrams catch up.
	FullSyncInterval time.Duration
	// ReadTimeout bounds each socket read so the receiver notices shutdown.
	ReadTimeout        time.Duration
	MaxFragmentPayload int
	Reassembly         fragment.Config
	Peers              peers.Config
	// SavePath is the snapshot file. Empty disables persistence.
	SavePath string
	// ReopenAfter is the number of consecutive receive failures after which the socket is rebuilt.
	ReopenAfter int
}

func DefaultConfig() Config {
	return Config{
		Transport:          transport.DefaultConfig(),
		BroadcastInterval:  time.Second,
		FullSyncInterval:   10 * time.Second,
		ReadTimeout:        250 * time.Millisecond,
		MaxFragmentPayload: wire.MaxPayloadSize,
		Reassembly:         fragment.DefaultConfig(),
		Peers:              peers.DefaultConfig(),
		ReopenAfter:        5,
	}
}

func (c Config) Validate() error {
	switch {
	case c.BroadcastInterval <= 0:
		return fmt.Errorf("%w: broadcast interval must be positive", ErrInvalidConfig)
	case c.FullSyncInterval < c.BroadcastInterval:
		return fmt.Errorf("%w: full sync interval %s is shorter than broadcast interval %s", ErrInvalidConfig, c.FullSyncInterval, c.BroadcastInterval)
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%w: read timeout must be positive", ErrInvalidConfig)
	case c.MaxFragmentPayload <= 0 || c.MaxFragmentPayload > wire.MaxPayloadSize:
		return fmt.Errorf("%w: fragment payload must be within 1..%d", ErrInvalidConfig, wire.MaxPayloadSize)
	case c.Peers.Window <= 0:
		return fmt.Errorf("%w: liveness window must be positive", ErrInvalidConfig)
	case c.ReopenAfter <= 0:
		return fmt.Errorf("%w: reopen threshold must be positive", ErrInvalidConfig)
	}
	if c.Actor != "" {
		if _, err := wire.ParsePeerID(c.Actor); err != nil {
			return fmt.Errorf("%w: actor: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}
