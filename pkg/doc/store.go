// Package doc holds the replicated todo document: an automerge replica with list and item operations,
// merging of remote changes and export of changes for broadcast.
package doc

import (
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/jonboulle/clockwork"
)

const genesisActor = "00000000000000000000000000000000"

var genesisTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type Opt func(*Store)

func WithClock(clock clockwork.Clock) Opt {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store owns one automerge replica. It is not safe for concurrent use.
type Store struct {
	doc   *automerge.Doc
	clock clockwork.Clock
}

// ChangeInfo describes one change in the replica history.
type ChangeInfo struct {
	Hash    automerge.ChangeHash
	Actor   string
	Seq     uint64
	Message string
	Time    time.Time
	Deps    []automerge.ChangeHash
}

// New creates an empty replica for actor. Every replica begins with the same genesis change, which
// creates the root lists container, so two replicas never race to create conflicting roots.
func New(actor string, opts ...Opt) (*Store, error) {
	d := automerge.New()
	if err := d.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("failed to set genesis actor: %w", err)
	}
	if err := d.Path(keyLists).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create lists: %w", err)
	}
	t := genesisTime
	if _, err := d.Commit("genesis", automerge.CommitOptions{Time: &t}); err != nil {
		return nil, fmt.Errorf("failed to commit genesis: %w", err)
	}
	return newStore(d, actor, opts)
}

// Load restores a replica from a snapshot produced by Save.
func Load(raw []byte, actor string, opts ...Opt) (*Store, error) {
	d, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	v, err := d.Path(keyLists).Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: root lists is %v", ErrCorruptSnapshot, v.Kind())
	}
	return newStore(d, actor, opts)
}

func newStore(d *automerge.Doc, actor string, opts []Opt) (*Store, error) {
	if err := d.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("%w: actor %q: %w", ErrInvalidArgument, actor, err)
	}
	s := &Store{doc: d, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Actor() string {
	return s.doc.ActorID()
}

// Apply validates op and commits it as a single change. Validation failures leave the document untouched.
func (s *Store) Apply(op Op) (automerge.ChangeHash, error) {
	edit, err := op.check(s.doc)
	if err != nil {
		return automerge.ChangeHash{}, err
	}
	now := s.clock.Now().UTC()
	if err := edit(now); err != nil {
		return automerge.ChangeHash{}, fmt.Errorf("failed to apply %s: %w", op.Kind(), err)
	}
	hash, err := s.doc.Commit(op.Kind(), automerge.CommitOptions{Time: &now, AllowEmpty: true})
	if err != nil {
		return automerge.ChangeHash{}, fmt.Errorf("failed to commit %s: %w", op.Kind(), err)
	}
	return hash, nil
}

// Merge applies encoded remote changes, each of which must be one change as produced by ExportSince.
// Changes whose dependencies are not yet known are held by the replica until they arrive. It returns the
// hashes of changes that became part of the history as a result, and a joined MergeError for every
// change that could not be used.
func (s *Store) Merge(raw [][]byte) ([]automerge.ChangeHash, error) {
	before := s.doc.Heads()

	var errs []error
	for i, r := range raw {
		if err := checkChange(r); err != nil {
			errs = append(errs, &MergeError{Index: i, Err: fmt.Errorf("%w: %w", ErrCorruptChange, err)})
			continue
		}
		if err := s.doc.LoadIncremental(r); err != nil {
			errs = append(errs, &MergeError{Index: i, Err: fmt.Errorf("failed to apply: %w", err)})
		}
	}

	applied, err := s.doc.Changes(before...)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list applied changes: %w", err))
	}
	hashes := make([]automerge.ChangeHash, 0, len(applied))
	for _, ch := range applied {
		hashes = append(hashes, ch.Hash())
	}
	return hashes, errors.Join(errs...)
}

// ExportSince returns the encoded changes not reachable from cursor. A nil cursor exports the whole history.
func (s *Store) ExportSince(cursor []automerge.ChangeHash) ([][]byte, error) {
	chs, err := s.doc.Changes(cursor...)
	if err != nil {
		return nil, fmt.Errorf("failed to export changes: %w", err)
	}
	out := make([][]byte, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.Save())
	}
	return out, nil
}

func (s *Store) Heads() []automerge.ChangeHash {
	return s.doc.Heads()
}

func (s *Store) Save() []byte {
	return s.doc.Save()
}

func (s *Store) State() (State, error) {
	return readState(s.doc)
}

func (s *Store) History() ([]ChangeInfo, error) {
	chs, err := s.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	out := make([]ChangeInfo, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ChangeInfo{
			Hash:    ch.Hash(),
			Actor:   ch.ActorID(),
			Seq:     ch.ActorSeq(),
			Message: ch.Message(),
			Time:    ch.Timestamp(),
			Deps:    ch.Dependencies(),
		})
	}
	return out, nil
}

// StateAt reads the document as it was when hash was the only head.
func (s *Store) StateAt(hash automerge.ChangeHash) (State, error) {
	fork, err := s.doc.Fork(hash)
	if err != nil {
		return State{}, fmt.Errorf("%w: %s: %w", ErrNotFound, hash, err)
	}
	return readState(fork)
}
