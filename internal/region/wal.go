package region

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	walOpPut = "put"
	walOpDel = "del"

	lenWidth = 10 // width of the decimal length line preceding every entry
)

// walEntry is one logged mutation. Values is nil for deletes.
type walEntry struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Key       []byte    `json:"key"`
	Values    [][]byte  `json:"values,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	LSN       int64     `json:"lsn"` // Log Sequence Number
}

// wal is a region's write-ahead log. Every entry is written as a zero-padded
// length line, the JSON encoding and a newline.
type wal struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	lsn    int64
	mu     sync.Mutex
}

func openWAL(path string) (*wal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &wal{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func newWALEntry(op string, key []byte, values [][]byte, version uint64) *walEntry {
	return &walEntry{
		ID:        uuid.New().String(),
		Op:        op,
		Key:       key,
		Values:    values,
		Version:   version,
		Timestamp: time.Now(),
	}
}

// Append assigns the next LSN to entry and hands it to the OS. It does not
// fsync; see Sync.
func (w *wal) Append(entry *walEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lsn++
	entry.LSN = w.lsn

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	lengthLine := fmt.Sprintf("%0*d\n", lenWidth, len(data))
	if _, err := w.writer.WriteString(lengthLine); err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if _, err := w.writer.WriteString("\n"); err != nil {
		return err
	}
	return w.writer.Flush()
}

func (w *wal) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Reset discards every entry. It is only safe once all of them have been
// persisted elsewhere.
func (w *wal) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.writer.Reset(w.file)
	return w.file.Sync()
}

// Replay reads every entry in the log. A length line with nothing after it
// is a torn final write and ends the replay; an entry that does not match
// its length line or does not decode is reported as ErrCorruptWAL.
func (w *wal) Replay() ([]walEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []walEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		lengthLine := scanner.Text()
		if len(lengthLine) != lenWidth {
			return entries, fmt.Errorf("%w: bad length line %q after LSN %d", ErrCorruptWAL, lengthLine, w.lsn)
		}
		length, err := strconv.Atoi(lengthLine)
		if err != nil {
			return entries, fmt.Errorf("%w: %v", ErrCorruptWAL, err)
		}

		if !scanner.Scan() {
			break
		}
		data := scanner.Bytes()
		if len(data) != length {
			return entries, fmt.Errorf("%w: entry after LSN %d has %d bytes, want %d", ErrCorruptWAL, w.lsn, len(data), length)
		}

		var entry walEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return entries, fmt.Errorf("%w: %v", ErrCorruptWAL, err)
		}
		if entry.LSN > w.lsn {
			w.lsn = entry.LSN
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (w *wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
