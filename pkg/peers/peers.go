// Package peers tracks when each remote instance was last heard from.
package peers

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/astromechza/todosync/pkg/wire"
)

// Status is the advisory connectivity view of one peer.
type Status struct {
	ID       wire.PeerID `json:"id"`
	LastSeen time.Time   `json:"last_seen"`
	Active   bool        `json:"active"`
}

type Config struct {
	// Window is how long a peer counts as active after its last fragment.
	Window time.Duration
	// Retention is how long an inactive record is kept before Purge removes it.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:    5 * time.Second,
		Retention: 10 * time.Minute,
	}
}

// Tracker is owned by the sync loop and is not safe for concurrent use.
type Tracker struct {
	cfg      Config
	self     wire.PeerID
	clock    clockwork.Clock
	lastSeen map[wire.PeerID]time.Time
}

func NewTracker(cfg Config, self wire.PeerID, clock clockwork.Clock) *Tracker {
	if cfg.Retention < cfg.Window {
		cfg.Retention = cfg.Window
	}
	return &Tracker{
		cfg:      cfg,
		self:     self,
		clock:    clock,
		lastSeen: make(map[wire.PeerID]time.Time),
	}
}

// Seen records a fragment from id and reports whether the peer was unknown or inactive before.
func (t *Tracker) Seen(id wire.PeerID) bool {
	if id == t.self {
		return false
	}
	now := t.clock.Now()
	prev, ok := t.lastSeen[id]
	t.lastSeen[id] = now
	return !ok || !t.active(prev, now)
}

func (t *Tracker) active(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) <= t.cfg.Window
}

// Status lists every retained peer ordered by id.
func (t *Tracker) Status() []Status {
	now := t.clock.Now()
	out := make([]Status, 0, len(t.lastSeen))
	for id, seen := range t.lastSeen {
		out = append(out, Status{ID: id, LastSeen: seen, Active: t.active(seen, now)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (t *Tracker) ActiveCount() int {
	now := t.clock.Now()
	n := 0
	for _, seen := range t.lastSeen {
		if t.active(seen, now) {
			n++
		}
	}
	return n
}

// Purge forgets peers silent for longer than the retention period and returns how many were removed.
func (t *Tracker) Purge() int {
	now := t.clock.Now()
	removed := 0
	for id, seen := range t.lastSeen {
		if now.Sub(seen) > t.cfg.Retention {
			delete(t.lastSeen, id)
			removed++
		}
	}
	return removed
}
