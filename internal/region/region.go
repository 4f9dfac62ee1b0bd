// Package region holds the storage objects the data layer hands out: the
// region identifier, the result codes of per-key operations and the Region
// implementations themselves.
package region

// Object is a stored value: one byte slice per column plus its version.
type Object struct {
	Version uint64   `json:"version"`
	Values  [][]byte `json:"values"`
}

// Region is a single partition's storage. Every method must be safe to call
// concurrently with every other method.
type Region interface {
	Get(key []byte) (*Object, Result, error)
	Put(key []byte, values [][]byte, version uint64) (Result, error)
	Del(key []byte) (Result, error)

	// Flush persists pending writes and returns how many were persisted.
	// Zero means the region was idle.
	Flush() (int, error)

	// Async advances deferred follow-up work after a flush, such as syncing
	// and truncating the write-ahead log.
	Async() error

	Close() error
}

// Opener constructs the region for id, storing its files under location.
type Opener func(id ID, location string, columns uint16) (Region, error)
