package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/astromechza/todosync/pkg/doc"
	"github.com/astromechza/todosync/pkg/peers"
)

// Each mutation runs on the sync loop, produces exactly one change on success and returns the
// resulting state. Failures wrap doc.ErrNotFound or doc.ErrInvalidArgument and change nothing.

func (e *Engine) ListAll(ctx context.Context) (doc.State, error) {
	var (
		st  doc.State
		err error
	)
	if derr := e.do(ctx, func() { st, err = e.store.State() }); derr != nil {
		return doc.State{}, derr
	}
	return st, err
}

func (e *Engine) mutate(ctx context.Context, op doc.Op) (doc.State, error) {
	var (
		st  doc.State
		err error
	)
	if derr := e.do(ctx, func() { st, err = e.applyLocal(op) }); derr != nil {
		return doc.State{}, derr
	}
	return st, err
}

// AddList creates a list and returns its id. An empty color is derived from the name. meta may be nil.
func (e *Engine) AddList(ctx context.Context, name, color string, meta map[string]string) (string, doc.State, error) {
	id := uuid.NewString()
	st, err := e.mutate(ctx, doc.AddList{ID: id, Name: name, Color: color, Metadata: meta})
	if err != nil {
		return "", st, err
	}
	return id, st, nil
}

func (e *Engine) RemoveList(ctx context.Context, listID string) (doc.State, error) {
	return e.mutate(ctx, doc.RemoveList{ListID: listID})
}

func (e *Engine) RenameList(ctx context.Context, listID, name string) (doc.State, error) {
	return e.mutate(ctx, doc.RenameList{ListID: listID, Name: name})
}

// AddItem appends an item to a list and returns the item id.
func (e *Engine) AddItem(ctx context.Context, listID, text string, meta map[string]string) (string, doc.State, error) {
	id := uuid.NewString()
	st, err := e.mutate(ctx, doc.AddItem{ListID: listID, ItemID: id, Text: text, Metadata: meta})
	if err != nil {
		return "", st, err
	}
	return id, st, nil
}

func (e *Engine) RemoveItem(ctx context.Context, listID, itemID string) (doc.State, error) {
	return e.mutate(ctx, doc.RemoveItem{ListID: listID, ItemID: itemID})
}

func (e *Engine) ToggleItem(ctx context.Context, listID, itemID string) (doc.State, error) {
	return e.mutate(ctx, doc.ToggleItem{ListID: listID, ItemID: itemID})
}

func (e *Engine) RenameItem(ctx context.Context, listID, itemID, text string) (doc.State, error) {
	return e.mutate(ctx, doc.RenameItem{ListID: listID, ItemID: itemID, Text: text})
}

func (e *Engine) ClearCompleted(ctx context.Context, listID string) (doc.State, error) {
	return e.mutate(ctx, doc.ClearCompleted{ListID: listID})
}

// PeerStatus lists known peers with their advisory active flag.
func (e *Engine) PeerStatus(ctx context.Context) ([]peers.Status, error) {
	var out []peers.Status
	if err := e.do(ctx, func() { out = e.peers.Status() }); err != nil {
		return nil, err
	}
	return out, nil
}
