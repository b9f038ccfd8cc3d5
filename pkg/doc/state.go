package doc

import (
	"time"

	"github.com/automerge/automerge-go"
)

type Item struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Completed bool              `json:"completed"`
	Created   time.Time         `json:"created"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// List is one todo list. Metadata carries opaque string pairs for external integrations, such as the
// id of the session or task a list mirrors.
type List struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Color    string            `json:"color"`
	Items    []Item            `json:"items"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// State is a plain snapshot of the replica, detached from the document.
type State struct {
	Lists []List `json:"lists"`
}

func (s State) List(id string) (List, bool) {
	for _, l := range s.Lists {
		if l.ID == id {
			return l, true
		}
	}
	return List{}, false
}

// readState tolerates foreign or partial objects by skipping them, since remote peers share the document.
func readState(d *automerge.Doc) (State, error) {
	out := State{Lists: []List{}}
	v, err := d.Path(keyLists).Get()
	if err != nil {
		return out, err
	}
	if v.Kind() != automerge.KindList {
		return out, nil
	}
	lists := v.List()
	for i := 0; i < lists.Len(); i++ {
		lv, err := lists.Get(i)
		if err != nil {
			return out, err
		}
		if lv.Kind() != automerge.KindMap {
			continue
		}
		l, err := readList(lv.Map())
		if err != nil {
			return out, err
		}
		out.Lists = append(out.Lists, l)
	}
	return out, nil
}

func readList(m *automerge.Map) (List, error) {
	l := List{Items: []Item{}}
	var err error
	if l.ID, err = getStr(m, keyID); err != nil {
		return l, err
	}
	if l.Name, err = getStr(m, keyName); err != nil {
		return l, err
	}
	if l.Color, err = getStr(m, keyColor); err != nil {
		return l, err
	}
	if l.Metadata, err = getMetadata(m); err != nil {
		return l, err
	}
	iv, err := m.Get(keyItems)
	if err != nil {
		return l, err
	}
	if iv.Kind() != automerge.KindList {
		return l, nil
	}
	items := iv.List()
	for j := 0; j < items.Len(); j++ {
		v, err := items.Get(j)
		if err != nil {
			return l, err
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		it, err := readItem(v.Map())
		if err != nil {
			return l, err
		}
		l.Items = append(l.Items, it)
	}
	return l, nil
}

func readItem(m *automerge.Map) (Item, error) {
	var it Item
	var err error
	if it.ID, err = getStr(m, keyID); err != nil {
		return it, err
	}
	if it.Text, err = getStr(m, keyText); err != nil {
		return it, err
	}
	if it.Completed, err = getBool(m, keyCompleted); err != nil {
		return it, err
	}
	if it.Metadata, err = getMetadata(m); err != nil {
		return it, err
	}
	v, err := m.Get(keyCreated)
	if err != nil {
		return it, err
	}
	if v.Kind() == automerge.KindTime {
		it.Created = v.Time().UTC()
	}
	return it, nil
}

func getStr(m *automerge.Map, key string) (string, error) {
	v, err := m.Get(key)
	if err != nil {
		return "", err
	}
	if v.Kind() != automerge.KindStr {
		return "", nil
	}
	return v.Str(), nil
}

func getBool(m *automerge.Map, key string) (bool, error) {
	v, err := m.Get(key)
	if err != nil {
		return false, err
	}
	if v.Kind() != automerge.KindBool {
		return false, nil
	}
	return v.Bool(), nil
}

// getMetadata returns nil when the object has no metadata or only an empty map.
func getMetadata(m *automerge.Map) (map[string]string, error) {
	v, err := m.Get(keyMetadata)
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindMap {
		return nil, nil
	}
	vals, err := v.Map().Values()
	if err != nil {
		return nil, err
	}
	var out map[string]string
	for k, mv := range vals {
		if mv.Kind() != automerge.KindStr {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(vals))
		}
		out[k] = mv.Str()
	}
	return out, nil
}
