package mapslicehelp

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/constraints"
)

func AsKeys[T constraints.Ordered](elements []T) map[T]any {
	mapped := make(map[T]any, len(elements))
	for _, element := range elements {
		mapped[element] = struct{}{}
	}
	return mapped
}

// AsLowerKeys is AsKeys for case-insensitive string lookups. Blank elements are skipped.
func AsLowerKeys(elements []string) map[string]any {
	lowered := make([]string, 0, len(elements))
	for _, element := range elements {
		element = strings.TrimSpace(element)
		if element == "" {
			continue
		}
		lowered = append(lowered, strings.ToLower(element))
	}
	return AsKeys(lowered)
}

func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

func CloneOrderedMap[K comparable, V any](m *orderedmap.OrderedMap[K, V]) *orderedmap.OrderedMap[K, V] {
	c := orderedmap.New[K, V](orderedmap.WithCapacity[K, V](m.Len()))
	for p := m.Oldest(); p != nil; p = p.Next() {
		c.Set(p.Key, p.Value)
	}
	return c
}

// DeleteKeysFunc removes every pair whose key matches and returns the removed keys in order.
func DeleteKeysFunc[K comparable, V any](m *orderedmap.OrderedMap[K, V], match func(K) bool) []K {
	var removed []K
	for p := m.Oldest(); p != nil; {
		next := p.Next()
		if match(p.Key) {
			m.Delete(p.Key)
			removed = append(removed, p.Key)
		}
		p = next
	}
	return removed
}

func EqualOrderedMaps[K, V comparable](a, b *orderedmap.OrderedMap[K, V]) bool {
	if a.Len() != b.Len() {
		return false
	}
	for pa, pb := a.Oldest(), b.Oldest(); pa != nil; pa, pb = pa.Next(), pb.Next() {
		if pa.Key != pb.Key || pa.Value != pb.Value {
			return false
		}
	}
	return true
}
