package region

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	bolt "go.etcd.io/bbolt"
)

const (
	walFileName   = "wal.log"
	storeFileName = "region.db"
)

var objectsBucket = []byte("objects")

// DiskOptions tune a disk-backed region.
type DiskOptions struct {
	// SyncWrites fsyncs the WAL before every put or delete returns.
	// Otherwise unflushed entries are synced by the next Async.
	SyncWrites bool
	Logger     hclog.Logger
}

// Disk is a durable Region. Writes go to a write-ahead log and a pending
// table; Flush moves the pending table into a bolt store in one transaction
// and Async truncates the log once nothing is pending.
//
// Every Disk opened on the same location shares one store, so a region that
// is re-created while an earlier handle on it is still held sees the same
// data instead of contending for the bolt file lock.
type Disk struct {
	id      ID
	columns uint16
	opts    DiskOptions
	store   *diskStore

	closed bool
	mu     sync.RWMutex
}

// diskStore is the state behind every Disk open on one location.
type diskStore struct {
	key      string
	location string
	logger   hclog.Logger

	db  *bolt.DB
	wal *wal

	// pending holds the newest unflushed state of a key; nil is a tombstone.
	pending    map[string]*Object
	pendingOps int
	unsynced   bool
	checkpoint bool
	mu         sync.RWMutex

	refs int // guarded by storesMu
}

// bolt allows a file to be opened once per process.
var (
	storesMu sync.Mutex
	stores   = make(map[string]*diskStore)
)

// DiskOpener returns an Opener producing Disk regions with opts.
func DiskOpener(opts DiskOptions) Opener {
	return func(id ID, location string, columns uint16) (Region, error) {
		return OpenDisk(id, location, columns, opts)
	}
}

// OpenDisk opens or creates the region stored under location, replaying any
// write-ahead log left behind by an unclean shutdown.
func OpenDisk(id ID, location string, columns uint16, opts DiskOptions) (*Disk, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	opts.Logger = opts.Logger.Named("region").With("region", id)

	store, err := acquireStore(id, location, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Disk{id: id, columns: columns, opts: opts, store: store}, nil
}

func storeKey(location string) string {
	if abs, err := filepath.Abs(location); err == nil {
		return abs
	}
	return filepath.Clean(location)
}

func acquireStore(id ID, location string, logger hclog.Logger) (*diskStore, error) {
	key := storeKey(location)

	storesMu.Lock()
	defer storesMu.Unlock()

	if s, ok := stores[key]; ok {
		s.refs++
		logger.Debug("sharing open region store", "location", location, "refs", s.refs)
		return s, nil
	}

	s, err := openStore(id, key, location, logger)
	if err != nil {
		return nil, err
	}
	s.refs = 1
	stores[key] = s
	return s, nil
}

// releaseStore drops one reference and, for the last one, flushes and closes
// the store. It runs under storesMu so a concurrent open of the same
// location waits for the files to be released.
func releaseStore(s *diskStore) error {
	storesMu.Lock()
	defer storesMu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(stores, s.key)
	return s.close()
}

func openStore(id ID, key, location string, logger hclog.Logger) (*diskStore, error) {
	db, err := bolt.Open(filepath.Join(location, storeFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store for region %s: %w", id, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket for region %s: %w", id, err)
	}

	w, err := openWAL(filepath.Join(location, walFileName))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open WAL for region %s: %w", id, err)
	}

	s := &diskStore{
		key:      key,
		location: location,
		logger:   logger,
		db:       db,
		wal:      w,
		pending:  make(map[string]*Object),
	}

	entries, err := w.Replay()
	if err != nil {
		s.closeFiles()
		return nil, fmt.Errorf("failed to replay WAL for region %s: %w", id, err)
	}
	for _, entry := range entries {
		switch entry.Op {
		case walOpPut:
			s.pending[string(entry.Key)] = &Object{Version: entry.Version, Values: entry.Values}
		case walOpDel:
			s.pending[string(entry.Key)] = nil
		}
		s.pendingOps++
	}
	if len(entries) > 0 {
		logger.Info("replayed write-ahead log", "entries", len(entries))
	}

	return s, nil
}

func (d *Disk) ID() ID {
	return d.id
}

func (d *Disk) Get(key []byte) (*Object, Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ResultSuccess, ErrClosed
	}
	return d.store.get(key)
}

func (d *Disk) Put(key []byte, values [][]byte, version uint64) (Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ResultSuccess, ErrClosed
	}
	if len(values) != int(d.columns) {
		return ResultWrongArity, nil
	}
	return d.store.put(key, values, version, d.opts.SyncWrites)
}

func (d *Disk) Del(key []byte) (Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ResultSuccess, ErrClosed
	}
	return d.store.del(key, d.opts.SyncWrites)
}

// Flush writes the pending table to the store and returns the number of
// logged operations it covered.
func (d *Disk) Flush() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.store.flushLocked()
}

// Async truncates the WAL when everything it holds has been flushed, and
// otherwise fsyncs whatever was appended since the last sync.
func (d *Disk) Async() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	return d.store.async()
}

// Pending returns the number of logged operations not yet flushed.
func (d *Disk) Pending() int {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	return d.store.pendingOps
}

// Close releases this Disk's share of the store. The last one flushes what
// is pending and releases the files. Closing twice is not an error.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	err := releaseStore(d.store)
	d.opts.Logger.Debug("closed region", "location", d.store.location)
	return err
}

// abandon drops the store without flushing, as a crash would.
func (d *Disk) abandon() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	storesMu.Lock()
	defer storesMu.Unlock()
	delete(stores, d.store.key)
	return d.store.closeFiles()
}

func (s *diskStore) get(key []byte) (*Object, Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, err := s.current(key)
	if err != nil {
		return nil, ResultSuccess, err
	}
	if obj == nil {
		return nil, ResultNotFound, nil
	}
	return copyObject(obj), ResultSuccess, nil
}

func (s *diskStore) put(key []byte, values [][]byte, version uint64, syncWrite bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(key)
	if err != nil {
		return ResultSuccess, err
	}
	if cur != nil && version <= cur.Version {
		return ResultStaleVersion, nil
	}

	obj := copyObject(&Object{Version: version, Values: values})
	if err := s.appendLocked(newWALEntry(walOpPut, key, obj.Values, version), syncWrite); err != nil {
		return ResultSuccess, err
	}
	s.pending[string(key)] = obj
	s.pendingOps++
	return ResultSuccess, nil
}

func (s *diskStore) del(key []byte, syncWrite bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(key)
	if err != nil {
		return ResultSuccess, err
	}
	if cur == nil {
		return ResultNotFound, nil
	}

	if err := s.appendLocked(newWALEntry(walOpDel, key, nil, 0), syncWrite); err != nil {
		return ResultSuccess, err
	}
	s.pending[string(key)] = nil
	s.pendingOps++
	return ResultSuccess, nil
}

func (s *diskStore) appendLocked(entry *walEntry, syncWrite bool) error {
	if err := s.wal.Append(entry); err != nil {
		return fmt.Errorf("WAL append failed: %w", err)
	}
	if syncWrite {
		if err := s.wal.Sync(); err != nil {
			s.unsynced = true
			return fmt.Errorf("WAL sync failed: %w", err)
		}
		return nil
	}
	s.unsynced = true
	return nil
}

// current returns the newest state of key, consulting the pending table
// before the store. Callers hold s.mu.
func (s *diskStore) current(key []byte) (*Object, error) {
	if obj, ok := s.pending[string(key)]; ok {
		return obj, nil
	}

	var obj *Object
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(objectsBucket).Get(key)
		if data == nil {
			return nil
		}
		obj = &Object{}
		return json.Unmarshal(data, obj)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read key from %s: %w", s.location, err)
	}
	return obj, nil
}

func (s *diskStore) flushLocked() (int, error) {
	if s.pendingOps == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(objectsBucket)
		for key, obj := range s.pending {
			if obj == nil {
				if err := bucket.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(obj)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to flush %s: %w", s.location, err)
	}

	n := s.pendingOps
	s.pending = make(map[string]*Object)
	s.pendingOps = 0
	s.checkpoint = true
	return n, nil
}

func (s *diskStore) async() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpoint && s.pendingOps == 0 {
		if err := s.wal.Reset(); err != nil {
			return fmt.Errorf("failed to truncate WAL in %s: %w", s.location, err)
		}
		s.checkpoint = false
		s.unsynced = false
		return nil
	}
	if s.unsynced {
		if err := s.wal.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL in %s: %w", s.location, err)
		}
		s.unsynced = false
	}
	return nil
}

func (s *diskStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result error
	if _, err := s.flushLocked(); err != nil {
		result = multierror.Append(result, err)
	} else if err := s.wal.Reset(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.closeFiles(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (s *diskStore) closeFiles() error {
	var result error
	if err := s.wal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
