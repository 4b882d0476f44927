// Package wal implements the append-only write-ahead log behind the memory
// store. Every mutation is serialized as one record and flushed to the OS
// before the in-memory map changes, so replaying the log after a crash
// reconstructs the map.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tmslee/kvstore/internal/binio"
)

// RecordKind discriminates WAL records.
type RecordKind uint8

const (
	RecordPut        RecordKind = 1
	RecordPutWithTTL RecordKind = 2
	RecordRemove     RecordKind = 3
	RecordClear      RecordKind = 4
)

const (
	magic   uint32 = 0x4B56574C // "KVWL"
	version uint32 = 1
)

// ErrCorruptFile means the header did not carry the expected magic or
// version. A short trailing record is not corruption; replay stops there.
var ErrCorruptFile = errors.New("corrupt WAL file")

// ReplayFunc receives one record per call during Replay. expiresAtMillis is
// non-nil only for RecordPutWithTTL.
type ReplayFunc func(kind RecordKind, key, value []byte, expiresAtMillis *int64)

// WAL appends records to a single file. A mutex serializes writers and
// keeps Replay from overlapping an append.
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File
	out  *bufio.Writer
}

// Open opens the log for appending, writing a fresh header when the file is
// new or empty.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL %s: %w", path, err)
	}

	w := &WAL{
		path: path,
		file: file,
		out:  bufio.NewWriter(file),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat WAL %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *WAL) writeHeader() error {
	if err := binio.WriteUint32(w.out, magic); err != nil {
		return fmt.Errorf("write WAL header %s: %w", w.path, err)
	}
	if err := binio.WriteUint32(w.out, version); err != nil {
		return fmt.Errorf("write WAL header %s: %w", w.path, err)
	}
	return w.out.Flush()
}

// LogPut appends a Put record.
func (w *WAL) LogPut(key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRecord(RecordPut, key, value, nil)
}

// LogPutWithTTL appends a PutWithTTL record carrying the absolute
// expiration in epoch milliseconds.
func (w *WAL) LogPutWithTTL(key, value []byte, expiresAtMillis int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRecord(RecordPutWithTTL, key, value, &expiresAtMillis)
}

// LogRemove appends a Remove record.
func (w *WAL) LogRemove(key []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRecord(RecordRemove, key, nil, nil)
}

// LogClear appends a Clear record.
func (w *WAL) LogClear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRecord(RecordClear, nil, nil, nil)
}

func (w *WAL) writeRecord(kind RecordKind, key, value []byte, expiresAtMillis *int64) error {
	if err := binio.WriteUint8(w.out, uint8(kind)); err != nil {
		return fmt.Errorf("append WAL record %s: %w", w.path, err)
	}
	if err := binio.WriteString(w.out, key); err != nil {
		return fmt.Errorf("append WAL record %s: %w", w.path, err)
	}
	if err := binio.WriteString(w.out, value); err != nil {
		return fmt.Errorf("append WAL record %s: %w", w.path, err)
	}
	if kind == RecordPutWithTTL {
		if err := binio.WriteInt64(w.out, *expiresAtMillis); err != nil {
			return fmt.Errorf("append WAL record %s: %w", w.path, err)
		}
	}
	return w.out.Flush()
}

// Replay reads the log from the start and calls cb for each complete
// record. It stops silently at the first short or malformed tail, which is
// the expected shape of a crash mid-append.
func (w *WAL) Replay(cb ReplayFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.out.Flush(); err != nil {
		return fmt.Errorf("flush WAL %s: %w", w.path, err)
	}

	in, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open WAL %s for replay: %w", w.path, err)
	}
	defer in.Close()

	r := bufio.NewReader(in)
	if err := validateHeader(r); err != nil {
		return err
	}

	for {
		kind, key, value, expires, err := readRecord(r)
		if err != nil {
			// Tail truncation is a clean EOF.
			return nil
		}
		cb(kind, key, value, expires)
	}
}

func validateHeader(r io.Reader) error {
	m, err := binio.ReadUint32(r)
	if err != nil || m != magic {
		return fmt.Errorf("%w: bad magic", ErrCorruptFile)
	}
	v, err := binio.ReadUint32(r)
	if err != nil || v != version {
		return fmt.Errorf("%w: unsupported version", ErrCorruptFile)
	}
	return nil
}

func readRecord(r io.Reader) (RecordKind, []byte, []byte, *int64, error) {
	kindByte, err := binio.ReadUint8(r)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	kind := RecordKind(kindByte)
	if kind < RecordPut || kind > RecordClear {
		return 0, nil, nil, nil, fmt.Errorf("unknown record kind %d", kindByte)
	}
	key, err := binio.ReadString(r)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	value, err := binio.ReadString(r)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	var expires *int64
	if kind == RecordPutWithTTL {
		ms, err := binio.ReadInt64(r)
		if err != nil {
			return 0, nil, nil, nil, err
		}
		expires = &ms
	}
	return kind, key, value, expires, nil
}

// Sync flushes buffered records and asks the OS to push them to stable
// storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.out.Flush(); err != nil {
		return fmt.Errorf("flush WAL %s: %w", w.path, err)
	}
	return w.file.Sync()
}

// Truncate discards the log and starts over with a fresh header. Called
// after a snapshot has captured everything the log held.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close WAL %s: %w", w.path, err)
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("truncate WAL %s: %w", w.path, err)
	}
	w.file = file
	w.out = bufio.NewWriter(file)
	return w.writeHeader()
}

// Size reports the current file length in bytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.out.Flush(); err != nil {
		return 0, fmt.Errorf("flush WAL %s: %w", w.path, err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat WAL %s: %w", w.path, err)
	}
	return info.Size(), nil
}

// Path reports the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.out.Flush()
	closeErr := w.file.Close()
	if flushErr != nil || closeErr != nil {
		return errors.Join(flushErr, closeErr)
	}
	return nil
}
