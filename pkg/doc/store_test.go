package doc

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var (
	actorA = strings.Repeat("a", 32)
	actorB = strings.Repeat("b", 32)
)

func testStore(t *testing.T, actor string) *Store {
	t.Helper()
	s, err := New(actor, WithClock(clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return s
}

func apply(t *testing.T, s *Store, op Op) {
	t.Helper()
	_, err := s.Apply(op)
	require.NoError(t, err)
}

// syncInto delivers every change from src that dst has not seen.
func syncInto(t *testing.T, src, dst *Store) {
	t.Helper()
	raw, err := src.ExportSince(nil)
	require.NoError(t, err)
	_, err = dst.Merge(raw)
	require.NoError(t, err)
}

func state(t *testing.T, s *Store) State {
	t.Helper()
	st, err := s.State()
	require.NoError(t, err)
	return st
}

func TestGenesisIsShared(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	require.Equal(t, a.Heads(), b.Heads())
	require.Equal(t, actorA, a.Actor())
	require.Empty(t, state(t, a).Lists)
}

func TestOperations(t *testing.T) {
	s := testStore(t, actorA)
	apply(t, s, AddList{ID: "l1", Name: " Groceries ", Color: "#AABBCC"})
	apply(t, s, AddList{ID: "l2", Name: "Chores"})
	apply(t, s, AddItem{ListID: "l1", ItemID: "i1", Text: "Buy milk"})
	apply(t, s, AddItem{ListID: "l1", ItemID: "i2", Text: "Buy eggs"})
	apply(t, s, ToggleItem{ListID: "l1", ItemID: "i1"})
	apply(t, s, RenameItem{ListID: "l1", ItemID: "i2", Text: "Buy 12 eggs"})
	apply(t, s, RenameList{ListID: "l2", Name: "House"})

	st := state(t, s)
	require.Len(t, st.Lists, 2)
	l1 := st.Lists[0]
	require.Equal(t, "Groceries", l1.Name)
	require.Equal(t, "#AABBCC", l1.Color)
	require.Len(t, l1.Items, 2)
	require.Equal(t, Item{ID: "i1", Text: "Buy milk", Completed: true, Created: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}, l1.Items[0])
	require.Equal(t, "Buy 12 eggs", l1.Items[1].Text)
	require.False(t, l1.Items[1].Completed)
	require.Equal(t, "House", st.Lists[1].Name)
	require.Equal(t, ListColor("Chores"), st.Lists[1].Color)

	apply(t, s, ClearCompleted{ListID: "l1"})
	l, ok := state(t, s).List("l1")
	require.True(t, ok)
	require.Len(t, l.Items, 1)
	require.Equal(t, "i2", l.Items[0].ID)

	apply(t, s, RemoveItem{ListID: "l1", ItemID: "i2"})
	apply(t, s, RemoveList{ListID: "l2"})
	st = state(t, s)
	require.Len(t, st.Lists, 1)
	require.Empty(t, st.Lists[0].Items)
}

func TestEveryOpIsExactlyOneChange(t *testing.T) {
	s := testStore(t, actorA)
	ops := []Op{
		AddList{ID: "l1", Name: "A"},
		AddItem{ListID: "l1", ItemID: "i1", Text: "x"},
		ToggleItem{ListID: "l1", ItemID: "i1"},
		RenameItem{ListID: "l1", ItemID: "i1", Text: "y"},
		RenameList{ListID: "l1", Name: "B"},
		ClearCompleted{ListID: "l1"},
		ClearCompleted{ListID: "l1"},
		AddItem{ListID: "l1", ItemID: "i2", Text: "z"},
		RemoveItem{ListID: "l1", ItemID: "i2"},
		RemoveList{ListID: "l1"},
	}
	for _, op := range ops {
		before := s.Heads()
		hash, err := s.Apply(op)
		require.NoError(t, err, op.Kind())
		raw, err := s.ExportSince(before)
		require.NoError(t, err)
		require.Len(t, raw, 1, op.Kind())
		require.Equal(t, []automerge.ChangeHash{hash}, s.Heads())
	}
	hist, err := s.History()
	require.NoError(t, err)
	require.Len(t, hist, len(ops)+1)
	require.Equal(t, "genesis", hist[0].Message)
	require.Equal(t, "remove_list", hist[len(hist)-1].Message)
	require.Equal(t, actorA, hist[len(hist)-1].Actor)
}

func TestInvalidOpsDoNotMutate(t *testing.T) {
	s := testStore(t, actorA)
	apply(t, s, AddList{ID: "l1", Name: "A"})
	apply(t, s, AddItem{ListID: "l1", ItemID: "i1", Text: "x"})
	heads := s.Heads()

	for _, tc := range []struct {
		op   Op
		want error
	}{
		{AddList{ID: "l2", Name: "   "}, ErrInvalidArgument},
		{AddList{ID: "l2", Name: "B", Color: "red"}, ErrInvalidArgument},
		{AddList{ID: "l1", Name: "dup"}, ErrInvalidArgument},
		{AddList{Name: "no id"}, ErrInvalidArgument},
		{RenameList{ListID: "l1", Name: ""}, ErrInvalidArgument},
		{RenameList{ListID: "nope", Name: "x"}, ErrNotFound},
		{RemoveList{ListID: "nope"}, ErrNotFound},
		{AddItem{ListID: "nope", ItemID: "i2", Text: "x"}, ErrNotFound},
		{AddItem{ListID: "l1", ItemID: "i2", Text: "\t"}, ErrInvalidArgument},
		{AddItem{ListID: "l1", ItemID: "i1", Text: "dup"}, ErrInvalidArgument},
		{ToggleItem{ListID: "l1", ItemID: "nope"}, ErrNotFound},
		{RemoveItem{ListID: "l1", ItemID: "nope"}, ErrNotFound},
		{RenameItem{ListID: "l1", ItemID: "i1", Text: ""}, ErrInvalidArgument},
		{ClearCompleted{ListID: "nope"}, ErrNotFound},
	} {
		_, err := s.Apply(tc.op)
		require.ErrorIs(t, err, tc.want, "%#v", tc.op)
		require.Equal(t, heads, s.Heads(), "%#v", tc.op)
	}
}

func TestConcurrentInsertKeepsBoth(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	syncInto(t, a, b)

	apply(t, a, AddItem{ListID: "l0", ItemID: "milk", Text: "Buy milk"})
	apply(t, b, AddItem{ListID: "l0", ItemID: "dog", Text: "Walk dog"})

	syncInto(t, a, b)
	syncInto(t, b, a)

	sa, sb := state(t, a), state(t, b)
	require.Equal(t, sa, sb)
	require.Len(t, sa.Lists[0].Items, 2)
	texts := []string{sa.Lists[0].Items[0].Text, sa.Lists[0].Items[1].Text}
	require.ElementsMatch(t, []string{"Buy milk", "Walk dog"}, texts)
}

func TestDeleteWinsOverConcurrentToggle(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "x", Text: "Item X"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "y", Text: "Item Y"})
	syncInto(t, a, b)

	apply(t, a, RemoveItem{ListID: "l0", ItemID: "x"})
	apply(t, b, ToggleItem{ListID: "l0", ItemID: "x"})

	syncInto(t, b, a)
	syncInto(t, a, b)

	for _, s := range []*Store{a, b} {
		l, ok := state(t, s).List("l0")
		require.True(t, ok)
		require.Len(t, l.Items, 1)
		require.Equal(t, "y", l.Items[0].ID)
	}
}

func TestRemoveListDiscardsConcurrentItemEdits(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "x", Text: "Item X"})
	syncInto(t, a, b)

	apply(t, a, RemoveList{ListID: "l0"})
	apply(t, b, RenameItem{ListID: "l0", ItemID: "x", Text: "edited"})
	apply(t, b, AddItem{ListID: "l0", ItemID: "z", Text: "new"})

	syncInto(t, a, b)
	syncInto(t, b, a)
	require.Empty(t, state(t, a).Lists)
	require.Equal(t, state(t, a), state(t, b))
}

func TestConcurrentRenameConverges(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	syncInto(t, a, b)

	apply(t, a, RenameList{ListID: "l0", Name: "From A"})
	apply(t, b, RenameList{ListID: "l0", Name: "From B"})
	syncInto(t, a, b)
	syncInto(t, b, a)

	// equal counters, so the higher actor wins on both replicas
	sa := state(t, a)
	require.Equal(t, sa, state(t, b))
	require.Equal(t, "From B", sa.Lists[0].Name)

	// a causally later edit always wins
	apply(t, a, RenameList{ListID: "l0", Name: "Final"})
	syncInto(t, a, b)
	require.Equal(t, "Final", state(t, b).Lists[0].Name)
}

func TestMergeOutOfOrderWithDuplicates(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	genesis := a.Heads()
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "x", Text: "one"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "y", Text: "two"})

	raw, err := a.ExportSince(genesis)
	require.NoError(t, err)
	require.Len(t, raw, 3)

	applied, err := b.Merge([][]byte{raw[2], raw[2]})
	require.NoError(t, err)
	require.Empty(t, applied, "change with missing deps is held back")
	applied, err = b.Merge([][]byte{raw[1]})
	require.NoError(t, err)
	require.Empty(t, applied)
	applied, err = b.Merge([][]byte{raw[0], raw[1]})
	require.NoError(t, err)
	require.Len(t, applied, 3)

	applied, err = b.Merge(raw)
	require.NoError(t, err)
	require.Empty(t, applied, "redelivery is a no-op")

	require.Equal(t, state(t, a), state(t, b))
	require.Equal(t, a.Heads(), b.Heads())
}

func TestMergeIsolatesCorruptChanges(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	genesis := a.Heads()
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	raw, err := a.ExportSince(genesis)
	require.NoError(t, err)

	applied, err := b.Merge([][]byte{[]byte("garbage"), raw[0], {}})
	require.Len(t, applied, 1)
	require.ErrorIs(t, err, ErrCorruptChange)

	var merr *MergeError
	require.True(t, errors.As(err, &merr))
	require.Equal(t, 0, merr.Index)
	require.Equal(t, state(t, a), state(t, b))
}

func TestMergeRejectsDamagedChanges(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	genesis := a.Heads()
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	raw, err := a.ExportSince(genesis)
	require.NoError(t, err)
	good := raw[0]

	flipped := bytes.Clone(good)
	flipped[len(flipped)-1] ^= 0xff
	wrongType := bytes.Clone(good)
	wrongType[8] = 0
	for name, r := range map[string][]byte{
		"flipped body": flipped,
		"truncated":    good[:len(good)-3],
		"trailing":     append(bytes.Clone(good), 0),
		"wrong type":   wrongType,
		"short":        good[:6],
	} {
		applied, err := b.Merge([][]byte{r})
		require.ErrorIs(t, err, ErrCorruptChange, name)
		require.Empty(t, applied, name)
	}
	require.Equal(t, genesis, b.Heads())

	applied, err := b.Merge([][]byte{good})
	require.NoError(t, err)
	require.Len(t, applied, 1)
}

func TestRemoveOpsPropagate(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	apply(t, a, AddList{ID: "l1", Name: "Work"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "x", Text: "done"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "y", Text: "open"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "z", Text: "gone"})
	syncInto(t, a, b)

	apply(t, b, ToggleItem{ListID: "l0", ItemID: "x"})
	apply(t, b, ClearCompleted{ListID: "l0"})
	apply(t, b, RemoveItem{ListID: "l0", ItemID: "z"})
	apply(t, b, RemoveList{ListID: "l1"})
	syncInto(t, b, a)

	st := state(t, a)
	require.Equal(t, st, state(t, b))
	require.Len(t, st.Lists, 1)
	require.Equal(t, "l0", st.Lists[0].ID)
	require.Len(t, st.Lists[0].Items, 1)
	require.Equal(t, "y", st.Lists[0].Items[0].ID)
}

func TestMetadataReplicates(t *testing.T) {
	a := testStore(t, actorA)
	b := testStore(t, actorB)
	apply(t, a, AddList{ID: "l0", Name: "Session", Metadata: map[string]string{"session_id": "s-1"}})
	apply(t, a, AddItem{ListID: "l0", ItemID: "x", Text: "task", Metadata: map[string]string{"session_id": "s-1", "task_id": "7"}})
	apply(t, a, AddItem{ListID: "l0", ItemID: "y", Text: "plain"})
	syncInto(t, a, b)

	l, ok := state(t, b).List("l0")
	require.True(t, ok)
	require.Equal(t, map[string]string{"session_id": "s-1"}, l.Metadata)
	require.Equal(t, map[string]string{"session_id": "s-1", "task_id": "7"}, l.Items[0].Metadata)
	require.Nil(t, l.Items[1].Metadata)
}

func TestSaveLoad(t *testing.T) {
	a := testStore(t, actorA)
	apply(t, a, AddList{ID: "l0", Name: "Home"})
	apply(t, a, AddItem{ListID: "l0", ItemID: "x", Text: "one"})

	restored, err := Load(a.Save(), actorB)
	require.NoError(t, err)
	require.Equal(t, state(t, a), state(t, restored))
	require.Equal(t, a.Heads(), restored.Heads())
	require.Equal(t, actorB, restored.Actor())

	_, err = Load([]byte("not a document"), actorA)
	require.ErrorIs(t, err, ErrCorruptSnapshot)

	// a document without the shared root is not ours
	_, err = Load(automerge.New().Save(), actorA)
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestStateAt(t *testing.T) {
	s := testStore(t, actorA)
	first, err := s.Apply(AddList{ID: "l0", Name: "Home"})
	require.NoError(t, err)
	apply(t, s, RenameList{ListID: "l0", Name: "Away"})

	past, err := s.StateAt(first)
	require.NoError(t, err)
	require.Equal(t, "Home", past.Lists[0].Name)
	require.Equal(t, "Away", state(t, s).Lists[0].Name)
}

func TestListColor(t *testing.T) {
	c := ListColor("Groceries")
	require.True(t, validColor(c), c)
	require.Equal(t, c, ListColor("Groceries"))
	require.False(t, validColor("#12345"))
	require.False(t, validColor("123456#"))
	require.False(t, validColor("#12345g"))
}
