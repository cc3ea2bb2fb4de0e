package keylock

import "sync"

// Map hands out one mutex per key. Entries are created on demand and
// dropped once nobody holds or waits on them, so idle keys cost nothing.
type Map struct {
	mu   sync.Mutex
	list map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	ref int
}

func New() *Map {
	return &Map{list: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock func.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.list[key]
	if !ok {
		e = &entry{}
		m.list[key] = e
	}
	e.ref++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(m.list, key)
		}
		m.mu.Unlock()
	}
}

func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.list)
}
