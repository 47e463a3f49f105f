// Package lru provides an access-ordered map. It is not safe for concurrent
// use; owners guard it with their own lock.
package lru

import "container/list"

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Map keeps entries ordered from least to most recently used.
type Map[K comparable, V any] struct {
	items map[K]*list.Element
	order *list.List
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		items: make(map[K]*list.Element),
		order: list.New(),
	}
}

// Get returns the value for key and marks it most recently used.
func (m *Map[K, V]) Get(key K) (V, bool) {
	elem, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	m.order.MoveToBack(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// Peek returns the value for key without touching its recency.
func (m *Map[K, V]) Peek(key K) (V, bool) {
	elem, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*entry[K, V]).value, true
}

func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.items[key]
	return ok
}

// Put inserts or replaces the value for key and marks it most recently used.
// It returns the previous value, if any.
func (m *Map[K, V]) Put(key K, value V) (V, bool) {
	if elem, ok := m.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		prev := ent.value
		ent.value = value
		m.order.MoveToBack(elem)
		return prev, true
	}

	m.items[key] = m.order.PushBack(&entry[K, V]{key: key, value: value})
	var zero V
	return zero, false
}

func (m *Map[K, V]) Remove(key K) (V, bool) {
	elem, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.items, key)
	m.order.Remove(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// Oldest returns the least recently used entry.
func (m *Map[K, V]) Oldest() (K, V, bool) {
	elem := m.order.Front()
	if elem == nil {
		var (
			zeroK K
			zeroV V
		)
		return zeroK, zeroV, false
	}
	ent := elem.Value.(*entry[K, V])
	return ent.key, ent.value, true
}

// RemoveOldest removes and returns the least recently used entry.
func (m *Map[K, V]) RemoveOldest() (K, V, bool) {
	key, value, ok := m.Oldest()
	if ok {
		m.Remove(key)
	}
	return key, value, ok
}

func (m *Map[K, V]) Len() int {
	return m.order.Len()
}

// Range calls fn from least to most recently used until fn returns false.
// fn must not modify the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		ent := elem.Value.(*entry[K, V])
		if !fn(ent.key, ent.value) {
			return
		}
	}
}

// Keys returns a snapshot of the keys from least to most recently used.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.order.Len())
	m.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func (m *Map[K, V]) Clear() {
	m.items = make(map[K]*list.Element)
	m.order.Init()
}
