package doc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
)

const (
	keyLists     = "lists"
	keyID        = "id"
	keyName      = "name"
	keyColor     = "color"
	keyItems     = "items"
	keyText      = "text"
	keyCompleted = "completed"
	keyCreated   = "created"
	keyMetadata  = "metadata"
)

// Op is one user level mutation. Applying an op produces exactly one change.
type Op interface {
	Kind() string
	// check validates arguments and targets and returns the function that performs the edit. It must not
	// touch the document.
	check(d *automerge.Doc) (func(now time.Time) error, error)
}

type AddList struct {
	ID       string
	Name     string
	Color    string
	Metadata map[string]string
}

type RemoveList struct {
	ListID string
}

type RenameList struct {
	ListID string
	Name   string
}

type AddItem struct {
	ListID   string
	ItemID   string
	Text     string
	Metadata map[string]string
}

type RemoveItem struct {
	ListID string
	ItemID string
}

type ToggleItem struct {
	ListID string
	ItemID string
}

type RenameItem struct {
	ListID string
	ItemID string
	Text   string
}

// ClearCompleted removes every completed item of a list. It commits a change even when nothing was completed.
type ClearCompleted struct {
	ListID string
}

func (AddList) Kind() string        { return "add_list" }
func (RemoveList) Kind() string     { return "remove_list" }
func (RenameList) Kind() string     { return "rename_list" }
func (AddItem) Kind() string        { return "add_item" }
func (RemoveItem) Kind() string     { return "remove_item" }
func (ToggleItem) Kind() string     { return "toggle_item" }
func (RenameItem) Kind() string     { return "rename_item" }
func (ClearCompleted) Kind() string { return "clear_completed" }

func (o AddList) check(d *automerge.Doc) (func(time.Time) error, error) {
	name, err := requireText("name", o.Name)
	if err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, fmt.Errorf("%w: empty list id", ErrInvalidArgument)
	}
	color := o.Color
	if color == "" {
		color = ListColor(name)
	} else if !validColor(color) {
		return nil, fmt.Errorf("%w: color %q is not #rrggbb", ErrInvalidArgument, color)
	}
	lists, err := listAt(d, keyLists)
	if err != nil {
		return nil, err
	}
	if _, err := findByID(lists, o.ID); err == nil {
		return nil, fmt.Errorf("%w: list %s already exists", ErrInvalidArgument, o.ID)
	}
	return func(time.Time) error {
		m, meta := automerge.NewMap(), automerge.NewMap()
		if err := lists.Append(m); err != nil {
			return err
		}
		if err := setFields(m,
			field{keyID, o.ID},
			field{keyName, name},
			field{keyColor, color},
			field{keyItems, automerge.NewList()},
			field{keyMetadata, meta},
		); err != nil {
			return err
		}
		return setMetadata(meta, o.Metadata)
	}, nil
}

func (o RemoveList) check(d *automerge.Doc) (func(time.Time) error, error) {
	lists, err := listAt(d, keyLists)
	if err != nil {
		return nil, err
	}
	i, err := findByID(lists, o.ListID)
	if err != nil {
		return nil, err
	}
	return func(time.Time) error {
		return lists.Delete(i)
	}, nil
}

func (o RenameList) check(d *automerge.Doc) (func(time.Time) error, error) {
	name, err := requireText("name", o.Name)
	if err != nil {
		return nil, err
	}
	m, err := findList(d, o.ListID)
	if err != nil {
		return nil, err
	}
	return func(time.Time) error {
		return m.Set(keyName, name)
	}, nil
}

func (o AddItem) check(d *automerge.Doc) (func(time.Time) error, error) {
	text, err := requireText("text", o.Text)
	if err != nil {
		return nil, err
	}
	if o.ItemID == "" {
		return nil, fmt.Errorf("%w: empty item id", ErrInvalidArgument)
	}
	l, err := findList(d, o.ListID)
	if err != nil {
		return nil, err
	}
	items, err := itemsOf(l)
	if err != nil {
		return nil, err
	}
	if _, err := findByID(items, o.ItemID); err == nil {
		return nil, fmt.Errorf("%w: item %s already exists", ErrInvalidArgument, o.ItemID)
	}
	return func(now time.Time) error {
		m, meta := automerge.NewMap(), automerge.NewMap()
		if err := items.Append(m); err != nil {
			return err
		}
		if err := setFields(m,
			field{keyID, o.ItemID},
			field{keyText, text},
			field{keyCompleted, false},
			field{keyCreated, now},
			field{keyMetadata, meta},
		); err != nil {
			return err
		}
		return setMetadata(meta, o.Metadata)
	}, nil
}

func (o RemoveItem) check(d *automerge.Doc) (func(time.Time) error, error) {
	items, j, err := findItem(d, o.ListID, o.ItemID)
	if err != nil {
		return nil, err
	}
	return func(time.Time) error {
		return items.Delete(j)
	}, nil
}

func (o ToggleItem) check(d *automerge.Doc) (func(time.Time) error, error) {
	items, j, err := findItem(d, o.ListID, o.ItemID)
	if err != nil {
		return nil, err
	}
	m, err := mapAt(items, j)
	if err != nil {
		return nil, err
	}
	completed, err := getBool(m, keyCompleted)
	if err != nil {
		return nil, err
	}
	return func(time.Time) error {
		return m.Set(keyCompleted, !completed)
	}, nil
}

func (o RenameItem) check(d *automerge.Doc) (func(time.Time) error, error) {
	text, err := requireText("text", o.Text)
	if err != nil {
		return nil, err
	}
	items, j, err := findItem(d, o.ListID, o.ItemID)
	if err != nil {
		return nil, err
	}
	m, err := mapAt(items, j)
	if err != nil {
		return nil, err
	}
	return func(time.Time) error {
		return m.Set(keyText, text)
	}, nil
}

func (o ClearCompleted) check(d *automerge.Doc) (func(time.Time) error, error) {
	l, err := findList(d, o.ListID)
	if err != nil {
		return nil, err
	}
	items, err := itemsOf(l)
	if err != nil {
		return nil, err
	}
	var done []int
	for j := 0; j < items.Len(); j++ {
		v, err := items.Get(j)
		if err != nil {
			return nil, err
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		if c, err := getBool(v.Map(), keyCompleted); err != nil {
			return nil, err
		} else if c {
			done = append(done, j)
		}
	}
	return func(time.Time) error {
		// back to front so earlier indices stay valid
		for k := len(done) - 1; k >= 0; k-- {
			if err := items.Delete(done[k]); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

type field struct {
	key   string
	value any
}

func setFields(m *automerge.Map, fields ...field) error {
	for _, f := range fields {
		if err := m.Set(f.key, f.value); err != nil {
			return fmt.Errorf("failed to set %s: %w", f.key, err)
		}
	}
	return nil
}

func requireText(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, field)
	}
	return v, nil
}

func findByID(l *automerge.List, id string) (int, error) {
	for i := 0; i < l.Len(); i++ {
		v, err := l.Get(i)
		if err != nil {
			return -1, err
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		if got, err := getStr(v.Map(), keyID); err != nil {
			return -1, err
		} else if got == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func findItem(d *automerge.Doc, listID, itemID string) (*automerge.List, int, error) {
	l, err := findList(d, listID)
	if err != nil {
		return nil, -1, err
	}
	items, err := itemsOf(l)
	if err != nil {
		return nil, -1, err
	}
	j, err := findByID(items, itemID)
	if err != nil {
		return nil, -1, err
	}
	return items, j, nil
}

func findList(d *automerge.Doc, listID string) (*automerge.Map, error) {
	lists, err := listAt(d, keyLists)
	if err != nil {
		return nil, err
	}
	i, err := findByID(lists, listID)
	if err != nil {
		return nil, err
	}
	return mapAt(lists, i)
}

// listAt resolves a list by value. Lists reached through Path().List() carry no object id and cannot
// delete elements.
func listAt(d *automerge.Doc, path ...any) (*automerge.List, error) {
	v, err := d.Path(path...).Get()
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%v is %v, not a list", path, v.Kind())
	}
	return v.List(), nil
}

func itemsOf(list *automerge.Map) (*automerge.List, error) {
	v, err := list.Get(keyItems)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("items is %v, not a list", v.Kind())
	}
	return v.List(), nil
}

func mapAt(l *automerge.List, i int) (*automerge.Map, error) {
	v, err := l.Get(i)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("element %d is %v, not a map", i, v.Kind())
	}
	return v.Map(), nil
}

func setMetadata(m *automerge.Map, meta map[string]string) error {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.Set(k, meta[k]); err != nil {
			return fmt.Errorf("failed to set metadata %s: %w", k, err)
		}
	}
	return nil
}
