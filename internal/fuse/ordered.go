package fuse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OrderedMap is an insertion-ordered map. Setting a key twice is an error.
// It encodes to a JSON object whose members keep insertion order.
type OrderedMap[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

// Entry is a key/value pair of an OrderedMap.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

func NewOrderedMap[K comparable, V any](capacity int) *OrderedMap[K, V] {
	return &OrderedMap[K, V]{
		keys:   make([]K, 0, capacity),
		values: make(map[K]V, capacity),
	}
}

func (m *OrderedMap[K, V]) Set(key K, value V) error {
	if m.values == nil {
		m.values = map[K]V{}
	}
	if _, exists := m.values[key]; exists {
		return &DuplicateKeyError{Key: keyString(key)}
	}
	m.keys = append(m.keys, key)
	m.values[key] = value
	return nil
}

func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	if m == nil {
		var zero V
		return zero, false
	}
	v, ok := m.values[key]
	return v, ok
}

func (m *OrderedMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *OrderedMap[K, V]) Keys() []K {
	if m == nil {
		return nil
	}
	return append([]K(nil), m.keys...)
}

func (m *OrderedMap[K, V]) Entries() []Entry[K, V] {
	if m == nil {
		return nil
	}
	out := make([]Entry[K, V], 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Entry[K, V]{Key: k, Value: m.values[k]})
	}
	return out
}

func (m *OrderedMap[K, V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if m != nil {
		for i, k := range m.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(keyString(k))
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(m.values[k])
			if err != nil {
				return nil, fmt.Errorf("encode value for key %s: %w", keyString(k), err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func keyString(key any) string {
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(key)
}
