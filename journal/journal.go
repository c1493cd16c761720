// Package journal persists committed PV updates as an append-only CBOR stream
// and restores the last known values at startup.
package journal

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
)

// ClientID is the subscriber identity of the journal.
const ClientID driver.ClientID = "journal"

// ErrClosed is returned when recording into a closed journal.
var ErrClosed = errors.New("journal closed")

// Writer appends entries to a journal file. It is safe for concurrent use.
type Writer struct {
	file    *os.File
	encoder *cbor.Encoder
	logger  zerolog.Logger
	mu      sync.Mutex
	closed  bool
	written uint64
}

// Open opens path for appending, creating it with mode 0644 if needed.
func Open(path string, logger zerolog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file:    f,
		encoder: newEncoder(f),
		logger:  logger.With().Str("component", "journal").Logger(),
	}, nil
}

// Record appends the snapshot.
func (w *Writer) Record(snap pv.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.encoder.Encode(FromSnapshot(snap)); err != nil {
		return err
	}
	w.written++
	return nil
}

// Observe is a subscriber callback that records snapshots and logs failures.
func (w *Writer) Observe(snap pv.Snapshot) {
	if err := w.Record(snap); err != nil && !errors.Is(err, ErrClosed) {
		w.logger.Error().Err(err).Str("pv", snap.Name).Msg("journal write failed")
	}
}

// Attach subscribes the journal to the named PVs.
func (w *Writer) Attach(reg *driver.Registry, names []string) error {
	for _, name := range names {
		if _, err := reg.Subscribe(name, ClientID, w.Observe); err != nil {
			return err
		}
	}
	return nil
}

// Written returns the number of entries recorded since Open.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Sync flushes the file to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.file.Sync()
}

// Close closes the journal file. It is safe to call Close multiple times.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Reader streams entries from a journal file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
}

// NewReader opens path for reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: newDecoder(f)}, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (Entry, error) {
	var entry Entry
	if err := r.decoder.Decode(&entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Restore returns the last entry per PV. A missing file yields an empty map.
// A truncated trailing entry, as left by a crash mid-write, ends the replay
// without error.
func Restore(path string) (map[string]Entry, error) {
	latest := make(map[string]Entry)
	r, err := NewReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return latest, nil
		}
		return nil, err
	}
	defer r.Close()
	for {
		entry, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return latest, nil
			}
			return latest, err
		}
		latest[entry.PV] = entry
	}
}

// Apply posts restored values to the registry. Entries for PVs that are not
// registered or whose value no longer fits are skipped and returned by name.
func Apply(reg *driver.Registry, entries map[string]Entry) (int, []string) {
	applied := 0
	var skipped []string
	for name, entry := range entries {
		if _, err := reg.Post(name, entry.Value); err != nil {
			skipped = append(skipped, name)
			continue
		}
		applied++
	}
	sort.Strings(skipped)
	return applied, skipped
}
