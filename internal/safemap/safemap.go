package safemap

import (
	"sync"
)

type Map[KeyType comparable, ValueType any] struct {
	sync.RWMutex
	data map[KeyType]ValueType
}

func New[KeyType comparable, ValueType any]() *Map[KeyType, ValueType] {
	return &Map[KeyType, ValueType]{
		data: map[KeyType]ValueType{},
	}
}

func (safe *Map[KeyType, ValueType]) Load(key KeyType) (ValueType, bool) {
	safe.RLock()
	defer safe.RUnlock()

	value, ok := safe.data[key]
	return value, ok
}

func (safe *Map[KeyType, ValueType]) Store(key KeyType, value ValueType) {
	safe.Lock()
	defer safe.Unlock()

	safe.data[key] = value
}

func (safe *Map[KeyType, ValueType]) LoadOrStore(key KeyType, value ValueType) ValueType {
	safe.Lock()
	defer safe.Unlock()

	existing, ok := safe.data[key]
	if ok {
		return existing
	}

	safe.data[key] = value

	return value
}

func (safe *Map[KeyType, ValueType]) Delete(key KeyType) {
	safe.Lock()
	defer safe.Unlock()

	delete(safe.data, key)
}

func (safe *Map[KeyType, ValueType]) Len() int {
	safe.RLock()
	defer safe.RUnlock()

	return len(safe.data)
}

// Range calls fn for every pair while fn returns true, the map must not be
// modified from fn.
func (safe *Map[KeyType, ValueType]) Range(fn func(key KeyType, value ValueType) bool) {
	safe.RLock()
	defer safe.RUnlock()

	for key, value := range safe.data {
		if !fn(key, value) {
			break
		}
	}
}
