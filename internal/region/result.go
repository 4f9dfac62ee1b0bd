package region

import "errors"

// Result is the outcome of a get, put or delete. Hard I/O failures are
// reported separately as errors.
type Result uint8

const (
	ResultSuccess Result = iota
	ResultNotFound
	// ResultInvalidRegion is produced by the data layer, never by a region:
	// the caller addressed a region that is not registered.
	ResultInvalidRegion
	// ResultStaleVersion means a put carried a version that is not newer
	// than the one already stored.
	ResultStaleVersion
	// ResultWrongArity means a put carried a value count different from the
	// region's column count.
	ResultWrongArity
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNotFound:
		return "not_found"
	case ResultInvalidRegion:
		return "invalid_region"
	case ResultStaleVersion:
		return "stale_version"
	case ResultWrongArity:
		return "wrong_arity"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by operations on a region that has been closed.
	ErrClosed = errors.New("region is closed")

	// ErrCorruptWAL is returned when a write-ahead log entry cannot be decoded.
	ErrCorruptWAL = errors.New("corrupted WAL entry")
)
