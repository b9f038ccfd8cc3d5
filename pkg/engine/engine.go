// Package engine runs the sync loop: it owns the replica, broadcasts local changes to the multicast
// group, merges what peers broadcast, tracks peer liveness and keeps the snapshot on disk current.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/todosync/pkg/doc"
	"github.com/astromechza/todosync/pkg/fragment"
	"github.com/astromechza/todosync/pkg/metrics"
	"github.com/astromechza/todosync/pkg/peers"
	"github.com/astromechza/todosync/pkg/persist"
	"github.com/astromechza/todosync/pkg/transport"
	"github.com/astromechza/todosync/pkg/wire"
)

var ErrStopped = errors.New("engine: stopped")

const (
	inboundQueue = 1024
	receiveBuf   = 64 * 1024
)

type Opt func(*Engine)

func WithLogger(logger zerolog.Logger) Opt {
	return func(e *Engine) {
		e.base = logger
	}
}

func WithClock(clock clockwork.Clock) Opt {
	return func(e *Engine) {
		e.clock = clock
	}
}

type Engine struct {
	cfg    Config
	id     wire.PeerID
	base   zerolog.Logger
	logger zerolog.Logger
	clock  clockwork.Clock

	tr      transport.Transport
	ownsTr  bool
	persist *persist.Store

	requests chan func()
	inbound  chan []byte
	stopped  chan struct{}
	events   *hub

	// owned by the loop goroutine
	store      *doc.Store
	splitter   *fragment.Splitter
	reasm      *fragment.Reassembler
	peers      *peers.Tracker
	anchor     []automerge.ChangeHash
	lastFull   time.Time
	dirty      bool
	lastActive int
}

// Open binds the multicast socket described by cfg and builds an engine on it. A bind failure is the
// only error that is expected in practice and is reported as transport.ErrBind.
func Open(cfg Config, opts ...Opt) (*Engine, error) {
	e, err := build(cfg, opts)
	if err != nil {
		return nil, err
	}
	if e.tr, err = transport.Listen(cfg.Transport, transport.WithLogger(component(e.base, "transport"))); err != nil {
		return nil, err
	}
	e.ownsTr = true
	return e, nil
}

// New builds an engine on an existing transport. The snapshot at cfg.SavePath is loaded if present; an
// unreadable snapshot is logged and replaced by an empty document.
func New(cfg Config, tr transport.Transport, opts ...Opt) (*Engine, error) {
	e, err := build(cfg, opts)
	if err != nil {
		return nil, err
	}
	e.tr = tr
	return e, nil
}

// build prepares everything but the transport.
func build(cfg Config, opts []Opt) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		base:     zerolog.Nop(),
		clock:    clockwork.NewRealClock(),
		requests: make(chan func()),
		inbound:  make(chan []byte, inboundQueue),
		stopped:  make(chan struct{}),
		events:   newHub(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Actor != "" {
		id, err := wire.ParsePeerID(cfg.Actor)
		if err != nil {
			return nil, fmt.Errorf("%w: actor: %w", ErrInvalidConfig, err)
		}
		e.id = id
	} else {
		e.id = wire.PeerID(uuid.New())
	}
	e.logger = component(e.base, "engine").With().Str("actor", e.id.String()).Logger()

	var err error
	if e.reasm, err = fragment.NewReassembler(cfg.Reassembly,
		fragment.WithClock(e.clock),
		fragment.WithLogger(component(e.base, "fragment")),
	); err != nil {
		return nil, err
	}
	e.splitter = fragment.NewSplitter(e.id, cfg.MaxFragmentPayload, e.clock)
	e.peers = peers.NewTracker(cfg.Peers, e.id, e.clock)

	if cfg.SavePath != "" {
		e.persist = persist.New(cfg.SavePath)
	}
	if e.store, err = e.loadStore(); err != nil {
		return nil, err
	}
	return e, nil
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func (e *Engine) loadStore() (*doc.Store, error) {
	opts := []doc.Opt{doc.WithClock(e.clock)}
	if e.persist != nil {
		raw, err := e.persist.Load()
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Str("path", e.persist.Path()).Msg("failed to read snapshot, starting from an empty document")
		case raw != nil:
			s, err := doc.Load(raw, e.id.String(), opts...)
			if err == nil {
				e.logger.Info().Str("path", e.persist.Path()).Int("bytes", len(raw)).Msg("loaded snapshot")
				return s, nil
			}
			e.logger.Warn().Err(err).Str("path", e.persist.Path()).Msg("snapshot is corrupt, starting from an empty document")
		}
	}
	return doc.New(e.id.String(), opts...)
}

func (e *Engine) ID() wire.PeerID {
	return e.id
}

// Subscribe returns a channel of engine events and a function that ends the subscription.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

// Run drives the receiver and the sync loop until ctx is cancelled, then flushes the snapshot.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	defer e.events.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.receive(ctx)
	})
	g.Go(func() error {
		return e.loop(ctx)
	})
	return g.Wait()
}

// Close releases the transport when the engine opened it.
func (e *Engine) Close() error {
	if e.ownsTr {
		return e.tr.Close()
	}
	return nil
}

func (e *Engine) receive(ctx context.Context) error {
	buf := make([]byte, receiveBuf)
	failures := 0
	for ctx.Err() == nil {
		n, err := e.tr.Receive(buf, time.Now().Add(e.cfg.ReadTimeout))
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			if ctx.Err() == nil {
				e.logger.Warn().Msg("transport closed, receiver stopping")
			}
			return nil
		default:
			failures++
			metrics.ReceiveFailed()
			e.logger.Warn().Err(err).Int("failures", failures).Msg("receive failed")
			e.maybeReopen(&failures)
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.ReadTimeout):
			}
			continue
		}
		metrics.DatagramReceived()
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case e.inbound <- datagram:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (e *Engine) maybeReopen(failures *int) {
	if *failures < e.cfg.ReopenAfter {
		return
	}
	r, ok := e.tr.(transport.Reopener)
	if !ok {
		return
	}
	if err := r.Reopen(); err != nil {
		e.logger.Error().Err(err).Msg("failed to reopen transport")
		return
	}
	*failures = 0
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.BroadcastInterval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-ctx.Done():
			e.flush()
			return nil
		case b := <-e.inbound:
			e.handleDatagram(b)
		case fn := <-e.requests:
			fn()
		case <-ticker.Chan():
			e.tick()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.requests <- func() {
		defer close(done)
		fn()
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) tick() {
	now := e.clock.Now()
	full := e.lastFull.IsZero() || now.Sub(e.lastFull) >= e.cfg.FullSyncInterval
	heads := e.store.Heads()

	var cursor []automerge.ChangeHash
	if !full {
		cursor = e.anchor
	}
	changes, err := e.store.ExportSince(cursor)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to export changes")
		changes = nil
	}
	msg := wire.SyncMessage{Sender: e.id, Changes: changes, Full: full && err == nil}
	for _, h := range heads {
		msg.Heads = append(msg.Heads, [32]byte(h))
	}
	if e.broadcast(msg) && msg.Full {
		e.anchor = heads
		e.lastFull = now
	}

	evicted := e.reasm.Sweep()
	metrics.Reassembly(e.reasm.Pending(), evicted)
	if n := e.peers.Purge(); n > 0 {
		e.logger.Debug().Int("purged", n).Msg("forgot silent peers")
	}
	e.refreshPeers()
	if e.dirty {
		e.save()
	}
}

// broadcast sends msg as fragments and reports whether every fragment was handed to the transport.
func (e *Engine) broadcast(msg wire.SyncMessage) bool {
	datagrams, err := e.splitter.Split(wire.EncodeMessage(msg))
	if err != nil {
		e.logger.Error().Err(err).Int("changes", len(msg.Changes)).Msg("failed to fragment sync message")
		return false
	}
	ok := true
	for i, d := range datagrams {
		if err := e.tr.Send(d); err != nil {
			ok = false
			metrics.SendFailed()
			e.logger.Warn().Err(err).Int("index", i).Int("total", len(datagrams)).Msg("send failed")
			continue
		}
		metrics.DatagramSent()
	}
	metrics.MessageSent(msg.Full)
	e.logger.Trace().Int("changes", len(msg.Changes)).Bool("full", msg.Full).Int("fragments", len(datagrams)).Msg("broadcast")
	return ok
}

func (e *Engine) handleDatagram(b []byte) {
	f, err := wire.DecodeFragment(b)
	if err != nil {
		metrics.FragmentDropped()
		e.logger.Debug().Err(err).Int("bytes", len(b)).Msg("dropped malformed fragment")
		return
	}
	if f.Sender == e.id {
		return
	}
	if e.peers.Seen(f.Sender) {
		e.refreshPeers()
	}
	payload, done, err := e.reasm.Add(f)
	if err != nil {
		metrics.FragmentDropped()
		e.logger.Warn().Err(err).
			Str("peer", f.Sender.String()).
			Uint64("message_id", f.MessageID).
			Uint16("index", f.Index).
			Uint16("total", f.Total).
			Msg("dropped fragment")
		return
	}
	if !done {
		return
	}
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("peer", f.Sender.String()).Uint64("message_id", f.MessageID).Msg("dropped undecodable sync message")
		return
	}
	if msg.Sender != f.Sender {
		e.logger.Warn().Str("peer", f.Sender.String()).Str("claimed", msg.Sender.String()).Msg("dropped sync message with mismatched sender")
		return
	}
	metrics.MessageReceived(msg.Full)
	if len(msg.Changes) == 0 {
		return
	}
	e.merge(msg)
}

func (e *Engine) merge(msg wire.SyncMessage) {
	applied, err := e.store.Merge(msg.Changes)
	if err != nil {
		for _, merr := range unjoin(err) {
			metrics.MergeFailed()
			e.logger.Warn().Err(merr).Str("peer", msg.Sender.String()).Msg("discarded remote change")
		}
	}
	if len(applied) == 0 {
		return
	}
	metrics.ChangesApplied("remote", len(applied))
	e.logger.Debug().Str("peer", msg.Sender.String()).Int("applied", len(applied)).Msg("merged remote changes")
	e.dirty = true
	e.save()
	e.publishState()
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// save writes the snapshot if there is unsaved state. Failures leave the engine dirty so the next
// mutation or tick retries.
func (e *Engine) save() {
	if e.persist == nil {
		e.dirty = false
		return
	}
	if !e.dirty {
		return
	}
	start := time.Now()
	err := e.persist.Save(e.store.Save())
	metrics.RecordSave(err == nil, time.Since(start))
	if err != nil {
		e.logger.Error().Err(err).Str("path", e.persist.Path()).Msg("failed to save snapshot, will retry")
		return
	}
	e.dirty = false
}

func (e *Engine) flush() {
	e.save()
	if e.dirty {
		e.logger.Error().Msg("shutting down with unsaved changes")
	}
}

func (e *Engine) refreshPeers() {
	active := e.peers.ActiveCount()
	metrics.PeersActive(active)
	if active == e.lastActive {
		return
	}
	e.logger.Info().Int("active", active).Int("previous", e.lastActive).Msg("peer connectivity changed")
	e.lastActive = active
	e.events.publish(Event{Type: PeersChanged, Peers: e.peers.Status()})
}

func (e *Engine) publishState() {
	st, err := e.store.State()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to read state")
		return
	}
	e.events.publish(Event{Type: StateUpdated, State: &st})
}

func (e *Engine) applyLocal(op doc.Op) (doc.State, error) {
	hash, err := e.store.Apply(op)
	if err != nil {
		return doc.State{}, err
	}
	metrics.ChangesApplied("local", 1)
	e.logger.Debug().Str("op", op.Kind()).Str("change", hash.String()).Msg("applied local change")
	e.dirty = true
	e.save()
	st, err := e.store.State()
	if err != nil {
		return doc.State{}, fmt.Errorf("failed to read state: %w", err)
	}
	e.events.publish(Event{Type: StateUpdated, State: &st})
	return st, nil
}
