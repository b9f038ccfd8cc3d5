package transport

import (
	"math/rand"
	"slices"
	"sync"
	"time"
)

// MemHub is an in-process multicast segment. Every datagram sent by a member is offered to every member,
// the sender included, the way a multicast socket with loopback behaves.
type MemHub struct {
	mu      sync.Mutex
	members map[*MemConn]struct{}
	copies  func(b []byte) int
	shuffle *rand.Rand
}

type MemHubOpt func(*MemHub)

// WithCopies decides per delivery how many copies of a datagram a member receives: 0 drops it, more
// than 1 duplicates it.
func WithCopies(fn func(b []byte) int) MemHubOpt {
	return func(h *MemHub) {
		h.copies = fn
	}
}

// WithReorder inserts each delivered datagram at a random position of the receiver's queue.
func WithReorder(seed int64) MemHubOpt {
	return func(h *MemHub) {
		h.shuffle = rand.New(rand.NewSource(seed))
	}
}

func NewMemHub(opts ...MemHubOpt) *MemHub {
	h := &MemHub{members: make(map[*MemConn]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetCopies replaces the delivery policy, for example to end a simulated partition.
func (h *MemHub) SetCopies(fn func(b []byte) int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.copies = fn
}

func (h *MemHub) Join() *MemConn {
	c := &MemConn{hub: h, notify: make(chan struct{}, 1), done: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[c] = struct{}{}
	return c
}

func (h *MemHub) deliver(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.members {
		n := 1
		if h.copies != nil {
			n = h.copies(b)
		}
		for i := 0; i < n; i++ {
			pos := -1
			if h.shuffle != nil {
				pos = h.shuffle.Intn(c.queueLen() + 1)
			}
			c.push(append([]byte(nil), b...), pos)
		}
	}
}

// MemConn is one member of a MemHub. It implements Transport.
type MemConn struct {
	hub    *MemHub
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

const memQueueLimit = 4096

func (c *MemConn) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *MemConn) push(b []byte, pos int) {
	c.mu.Lock()
	if c.closed || len(c.queue) >= memQueueLimit {
		c.mu.Unlock()
		return
	}
	if pos < 0 || pos >= len(c.queue) {
		c.queue = append(c.queue, b)
	} else {
		c.queue = slices.Insert(c.queue, pos, b)
	}
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *MemConn) Send(b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.hub.deliver(b)
	return nil
}

func (c *MemConn) Receive(buf []byte, deadline time.Time) (int, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}
		if len(c.queue) > 0 {
			b := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return copy(buf, b), nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
		case <-timer.C:
			return 0, ErrTimeout
		}
	}
}

func (c *MemConn) Close() error {
	c.hub.mu.Lock()
	delete(c.hub.members, c)
	c.hub.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
