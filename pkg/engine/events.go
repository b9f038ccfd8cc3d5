package engine

import (
	"sync"

	"github.com/astromechza/todosync/pkg/doc"
	"github.com/astromechza/todosync/pkg/peers"
)

type EventType string

const (
	StateUpdated EventType = "state_updated"
	PeersChanged EventType = "peers_changed"
)

type Event struct {
	Type  EventType      `json:"type"`
	State *doc.State     `json:"state,omitempty"`
	Peers []peers.Status `json:"peers,omitempty"`
}

// hub fans events out to subscribers. A subscriber whose buffer is full misses the event.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
