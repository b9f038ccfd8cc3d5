package fragment

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/astromechza/todosync/pkg/wire"
)

var (
	ErrTotalMismatch    = errors.New("fragment: total differs from earlier fragments of the same message")
	ErrTooManyFragments = errors.New("fragment: total exceeds the reassembly limit")
	ErrInvalidLimits    = errors.New("fragment: invalid reassembly limits")
)

type Config struct {
	// MaxPending bounds the number of incomplete messages held at once. The least recently touched
	// one is dropped when a new message arrives at the limit.
	MaxPending int
	// CompletedMemory is how many recently completed message keys are remembered so that late
	// duplicates are ignored instead of reassembled again.
	CompletedMemory int
	// IdleTimeout is how long an incomplete message may go without a new fragment before Sweep drops it.
	IdleTimeout  time.Duration
	MaxFragments int
}

func DefaultConfig() Config {
	return Config{
		MaxPending:      256,
		CompletedMemory: 2048,
		IdleTimeout:     5 * time.Second,
		MaxFragments:    4096,
	}
}

type key struct {
	sender wire.PeerID
	id     uint64
}

type partial struct {
	total    uint16
	parts    [][]byte
	received int
	size     int
	lastSeen time.Time
}

type Opt func(*Reassembler)

func WithLogger(logger zerolog.Logger) Opt {
	return func(r *Reassembler) {
		r.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Opt {
	return func(r *Reassembler) {
		r.clock = clock
	}
}

// Reassembler collects fragments per (sender, message id). It is not safe for concurrent use; the sync
// loop owns it.
type Reassembler struct {
	cfg       Config
	logger    zerolog.Logger
	clock     clockwork.Clock
	pending   *lru.Cache[key, *partial]
	completed *lru.Cache[key, struct{}]
	evicted   uint64
}

func NewReassembler(cfg Config, opts ...Opt) (*Reassembler, error) {
	if cfg.MaxPending <= 0 || cfg.CompletedMemory <= 0 || cfg.MaxFragments <= 0 || cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidLimits, cfg)
	}
	r := &Reassembler{
		cfg:    cfg,
		logger: zerolog.Nop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	var err error
	if r.pending, err = lru.New[key, *partial](cfg.MaxPending); err != nil {
		return nil, err
	}
	if r.completed, err = lru.New[key, struct{}](cfg.CompletedMemory); err != nil {
		return nil, err
	}
	return r, nil
}

// Add stores one fragment. When it completes its message the concatenated payload is returned with
// done set. Duplicates of stored or already completed fragments are accepted and ignored.
func (r *Reassembler) Add(f wire.Fragment) (msg []byte, done bool, err error) {
	if err := f.Validate(); err != nil {
		return nil, false, err
	}
	if int(f.Total) > r.cfg.MaxFragments {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrTooManyFragments, f.Total, r.cfg.MaxFragments)
	}
	k := key{sender: f.Sender, id: f.MessageID}
	if r.completed.Contains(k) {
		return nil, false, nil
	}

	if f.Total == 1 {
		r.completed.Add(k, struct{}{})
		return f.Payload, true, nil
	}

	p, ok := r.pending.Get(k)
	if !ok {
		p = &partial{total: f.Total, parts: make([][]byte, f.Total)}
		if r.pending.Add(k, p) {
			r.evicted++
			r.logger.Debug().Msg("reassembly buffer limit reached, dropped least recent message")
		}
	} else if p.total != f.Total {
		return nil, false, fmt.Errorf("%w: have %d got %d", ErrTotalMismatch, p.total, f.Total)
	}
	p.lastSeen = r.clock.Now()
	if p.parts[f.Index] != nil {
		return nil, false, nil
	}
	p.parts[f.Index] = f.Payload
	p.received++
	p.size += len(f.Payload)
	if p.received < int(p.total) {
		return nil, false, nil
	}

	out := make([]byte, 0, p.size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	r.pending.Remove(k)
	r.completed.Add(k, struct{}{})
	return out, true, nil
}

// Sweep drops incomplete messages that have been idle longer than the configured timeout and returns
// how many were dropped.
func (r *Reassembler) Sweep() int {
	now := r.clock.Now()
	dropped := 0
	for _, k := range r.pending.Keys() {
		p, ok := r.pending.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(p.lastSeen) > r.cfg.IdleTimeout {
			r.pending.Remove(k)
			dropped++
			r.logger.Debug().
				Str("peer", k.sender.String()).
				Uint64("message_id", k.id).
				Int("received", p.received).
				Uint16("total", p.total).
				Msg("dropped idle reassembly buffer")
		}
	}
	r.evicted += uint64(dropped)
	return dropped
}

func (r *Reassembler) Pending() int {
	return r.pending.Len()
}

// Evicted counts incomplete messages dropped by either the size limit or Sweep.
func (r *Reassembler) Evicted() uint64 {
	return r.evicted
}
