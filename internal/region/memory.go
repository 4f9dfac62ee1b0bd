package region

import (
	"sync"
)

// Memory is an ephemeral Region. Flush reports how many writes happened
// since the previous flush but persists nothing.
type Memory struct {
	id      ID
	columns uint16
	objects map[string]*Object
	dirty   int
	closed  bool
	mu      sync.RWMutex
}

// OpenMemory is an Opener for ephemeral regions. The location is ignored.
func OpenMemory(id ID, location string, columns uint16) (Region, error) {
	return NewMemory(id, columns), nil
}

// NewMemory creates an empty in-memory region.
func NewMemory(id ID, columns uint16) *Memory {
	return &Memory{
		id:      id,
		columns: columns,
		objects: make(map[string]*Object),
	}
}

// ID returns the region this storage belongs to.
func (m *Memory) ID() ID {
	return m.id
}

// Columns returns the number of values every object carries.
func (m *Memory) Columns() uint16 {
	return m.columns
}

func (m *Memory) Get(key []byte) (*Object, Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ResultSuccess, ErrClosed
	}
	obj, exists := m.objects[string(key)]
	if !exists {
		return nil, ResultNotFound, nil
	}
	return copyObject(obj), ResultSuccess, nil
}

func (m *Memory) Put(key []byte, values [][]byte, version uint64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ResultSuccess, ErrClosed
	}
	if len(values) != int(m.columns) {
		return ResultWrongArity, nil
	}
	if cur, exists := m.objects[string(key)]; exists && version <= cur.Version {
		return ResultStaleVersion, nil
	}

	m.objects[string(key)] = copyObject(&Object{Version: version, Values: values})
	m.dirty++
	return ResultSuccess, nil
}

func (m *Memory) Del(key []byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ResultSuccess, ErrClosed
	}
	if _, exists := m.objects[string(key)]; !exists {
		return ResultNotFound, nil
	}
	delete(m.objects, string(key))
	m.dirty++
	return ResultSuccess, nil
}

func (m *Memory) Flush() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	n := m.dirty
	m.dirty = 0
	return n, nil
}

func (m *Memory) Async() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Close drops all objects. Closing twice is not an error.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.objects = nil
	return nil
}

// copyObject returns a deep copy so callers never share backing arrays with
// the stored object.
func copyObject(obj *Object) *Object {
	values := make([][]byte, len(obj.Values))
	for i, v := range obj.Values {
		values[i] = append([]byte(nil), v...)
	}
	return &Object{Version: obj.Version, Values: values}
}
