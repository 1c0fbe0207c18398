package entity

import (
	"strings"

	"github.com/pdok/hoogte/mapslicehelp"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Tag struct {
	Key   string
	Value string
}

// Tags is an insertion ordered set of key/value pairs with unique keys.
// A nil *Tags behaves as an empty set for reads.
type Tags struct {
	m *orderedmap.OrderedMap[string, string]
}

func NewTags(tags ...Tag) *Tags {
	t := &Tags{m: orderedmap.New[string, string](orderedmap.WithCapacity[string, string](len(tags)))}
	for _, tag := range tags {
		t.m.Set(tag.Key, tag.Value)
	}
	return t
}

func (t *Tags) Len() int {
	if t == nil {
		return 0
	}
	return t.m.Len()
}

func (t *Tags) Get(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	return t.m.Get(key)
}

// Set replaces the value of an existing key in place or appends a new pair.
func (t *Tags) Set(key, value string) {
	t.m.Set(key, value)
}

func (t *Tags) Delete(key string) bool {
	_, present := t.m.Delete(key)
	return present
}

// DeleteFold removes every key that case-insensitively equals one of the given lower-cased keys.
func (t *Tags) DeleteFold(lowerKeys map[string]any) []string {
	return mapslicehelp.DeleteKeysFunc(t.m, func(k string) bool {
		_, ok := lowerKeys[strings.ToLower(k)]
		return ok
	})
}

// HasFold reports whether a key case-insensitively equals one of the given lower-cased keys.
func (t *Tags) HasFold(lowerKeys map[string]any) bool {
	if t == nil {
		return false
	}
	for p := t.m.Oldest(); p != nil; p = p.Next() {
		if _, ok := lowerKeys[strings.ToLower(p.Key)]; ok {
			return true
		}
	}
	return false
}

func (t *Tags) Keys() []string {
	if t == nil {
		return nil
	}
	return mapslicehelp.OrderedMapKeys(t.m)
}

func (t *Tags) All() []Tag {
	if t == nil {
		return nil
	}
	all := make([]Tag, 0, t.m.Len())
	for p := t.m.Oldest(); p != nil; p = p.Next() {
		all = append(all, Tag{Key: p.Key, Value: p.Value})
	}
	return all
}

// Clone returns an independent copy; cloning nil gives an empty set.
func (t *Tags) Clone() *Tags {
	if t == nil {
		return NewTags()
	}
	return &Tags{m: mapslicehelp.CloneOrderedMap(t.m)}
}

// Equal compares keys, values and order.
func (t *Tags) Equal(other *Tags) bool {
	if t.Len() == 0 || other.Len() == 0 {
		return t.Len() == other.Len()
	}
	return mapslicehelp.EqualOrderedMaps(t.m, other.m)
}

func (t *Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return t.m.MarshalJSON()
}

func (t *Tags) UnmarshalJSON(data []byte) error {
	t.m = orderedmap.New[string, string]()
	return t.m.UnmarshalJSON(data)
}
