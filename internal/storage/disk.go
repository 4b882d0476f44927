package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/mmap"

	"github.com/tmslee/kvstore/internal/binio"
	"github.com/tmslee/kvstore/internal/clock"
)

const (
	dataMagic   uint32 = 0x4B564453 // "KVDS"
	dataVersion uint32 = 1

	dataFileName   = "data.kvds"
	dataHeaderSize = 8

	recordRegular   uint8 = 0
	recordTombstone uint8 = 1
)

// DefaultCompactionThreshold is the number of tombstone records after which
// the disk store rewrites its data file.
const DefaultCompactionThreshold = 1000

// DiskOptions configures a DiskStore.
type DiskOptions struct {
	DataDir             string
	CompactionThreshold int
	Clock               clock.Clock
}

type indexEntry struct {
	offset    int64
	valueSize uint32
	expiresAt time.Time // zero means no expiration
}

// DiskStore is a log-structured file with an in-memory index. Mutations
// append records; deletions append tombstones; compaction rewrites the file
// keeping only live entries. Reads go through a memory-mapped view of the
// file that is remapped after every append.
type DiskStore struct {
	mu sync.RWMutex

	dataPath string
	file     *os.File
	reader   *mmap.ReaderAt
	size     int64

	index          map[string]indexEntry
	entryCount     int
	tombstoneCount int

	compactionThreshold int
	clock               clock.Clock
	closed              bool
}

// OpenDiskStore opens (or creates) the data file under opts.DataDir and
// rebuilds the index from it.
func OpenDiskStore(opts DiskOptions) (*DiskStore, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystemClock()
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = DefaultCompactionThreshold
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", opts.DataDir, err)
	}

	s := &DiskStore{
		dataPath:            filepath.Join(opts.DataDir, dataFileName),
		index:               make(map[string]indexEntry),
		compactionThreshold: opts.CompactionThreshold,
		clock:               opts.Clock,
	}

	file, err := os.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", s.dataPath, err)
	}
	s.file = file

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat data file %s: %w", s.dataPath, err)
	}

	if info.Size() == 0 {
		if err := s.writeFileHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}

	if err := s.remap(); err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() != 0 {
		if err := s.loadIndex(); err != nil {
			s.reader.Close()
			file.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *DiskStore) writeFileHeader() error {
	var hdr []byte
	hdr = binio.AppendUint32(hdr, dataMagic)
	hdr = binio.AppendUint32(hdr, dataVersion)
	if _, err := s.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("write data header %s: %w", s.dataPath, err)
	}
	return nil
}

// remap replaces the mmap view so it covers everything appended so far.
func (s *DiskStore) remap() error {
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			return fmt.Errorf("close data mapping %s: %w", s.dataPath, err)
		}
		s.reader = nil
	}
	reader, err := mmap.Open(s.dataPath)
	if err != nil {
		return fmt.Errorf("map data file %s: %w", s.dataPath, err)
	}
	s.reader = reader
	s.size = int64(reader.Len())
	return nil
}

// loadIndex folds the data file left to right: later records override
// earlier ones, tombstones delete. A short read anywhere stops the fold
// silently, matching a crash mid-append.
func (s *DiskStore) loadIndex() error {
	in := bufio.NewReader(io.NewSectionReader(s.reader, 0, s.size))

	m, err := binio.ReadUint32(in)
	if err != nil || m != dataMagic {
		return fmt.Errorf("%w: data file %s: bad magic", ErrCorruptFile, s.dataPath)
	}
	v, err := binio.ReadUint32(in)
	if err != nil || v != dataVersion {
		return fmt.Errorf("%w: data file %s: unsupported version", ErrCorruptFile, s.dataPath)
	}

	offset := int64(dataHeaderSize)
	for {
		flag, err := binio.ReadUint8(in)
		if err != nil {
			return nil
		}
		key, err := binio.ReadString(in)
		if err != nil {
			return nil
		}
		value, err := binio.ReadString(in)
		if err != nil {
			return nil
		}
		hasExpiration, err := binio.ReadUint8(in)
		if err != nil {
			return nil
		}
		var expiresAt time.Time
		recordSize := int64(1 + 4 + len(key) + 4 + len(value) + 1)
		if hasExpiration != 0 {
			ms, err := binio.ReadInt64(in)
			if err != nil {
				return nil
			}
			expiresAt = clock.FromEpochMillis(ms)
			recordSize += 8
		}

		if flag == recordTombstone {
			if _, ok := s.index[string(key)]; ok {
				delete(s.index, string(key))
				s.entryCount--
			}
			s.tombstoneCount++
		} else {
			e := indexEntry{
				offset:    offset,
				valueSize: uint32(len(value)),
				expiresAt: expiresAt,
			}
			if _, ok := s.index[string(key)]; !ok {
				s.entryCount++
			}
			s.index[string(key)] = e
		}

		offset += recordSize
	}
}

// Put appends a record and points the index at it. An overwrite leaves the
// old record in the file as dead bytes until compaction.
func (s *DiskStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.appendRecord(key, value, nil, false); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

// PutWithTTL appends a record that expires ttl from now.
func (s *DiskStore) PutWithTTL(key, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	expiresAtMillis := clock.ToEpochMillis(s.clock.Now().Add(ttl))
	if err := s.appendRecord(key, value, &expiresAtMillis, false); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

// Get looks the key up in the index and reads the value back from the
// file. An expired entry gets a tombstone appended and is reported absent.
// Expiry eviction never triggers compaction here, to keep reads cheap.
func (s *DiskStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	e, ok := s.index[string(key)]
	if !ok {
		return nil, false, nil
	}
	if s.isExpired(e) {
		if err := s.appendRecord(key, nil, nil, true); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	value, err := s.readValueAt(e)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Remove appends a tombstone and drops the key from the index.
func (s *DiskStore) Remove(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if _, ok := s.index[string(key)]; !ok {
		return false, nil
	}
	if err := s.appendRecord(key, nil, nil, true); err != nil {
		return false, err
	}
	if err := s.maybeCompactLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// Contains reports whether a live entry exists, lazily expiring as Get
// does.
func (s *DiskStore) Contains(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	e, ok := s.index[string(key)]
	if !ok {
		return false, nil
	}
	if s.isExpired(e) {
		if err := s.appendRecord(key, nil, nil, true); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Size reports the number of live entries.
func (s *DiskStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryCount
}

// Empty reports whether no live entries remain.
func (s *DiskStore) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryCount == 0
}

// Clear truncates the data file back to a bare header and resets the
// index.
func (s *DiskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close data mapping %s: %w", s.dataPath, err)
	}
	s.reader = nil
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close data file %s: %w", s.dataPath, err)
	}

	file, err := os.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("truncate data file %s: %w", s.dataPath, err)
	}
	s.file = file
	if err := s.writeFileHeader(); err != nil {
		return err
	}
	if err := s.remap(); err != nil {
		return err
	}

	clear(s.index)
	s.entryCount = 0
	s.tombstoneCount = 0
	return nil
}

// Flush compacts the data file.
func (s *DiskStore) Flush() error {
	return s.Compact()
}

// Compact rewrites the data file keeping only live, unexpired entries.
func (s *DiskStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactLocked()
}

// TombstoneCount reports tombstone records appended since the last
// compaction.
func (s *DiskStore) TombstoneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstoneCount
}

// DataPath reports the data file path.
func (s *DiskStore) DataPath() string {
	return s.dataPath
}

// Close unmaps and closes the data file. The store rejects operations
// after.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var readerErr error
	if s.reader != nil {
		readerErr = s.reader.Close()
		s.reader = nil
	}
	closeErr := s.file.Close()
	if readerErr != nil {
		return readerErr
	}
	return closeErr
}

func (s *DiskStore) isExpired(e indexEntry) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return !s.clock.Now().Before(e.expiresAt)
}

// appendRecord writes one record at the end of the file, updates the index
// and counters, and remaps the read view.
func (s *DiskStore) appendRecord(key, value []byte, expiresAtMillis *int64, tombstone bool) error {
	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek data file %s: %w", s.dataPath, err)
	}

	rec := make([]byte, 0, 10+len(key)+len(value)+8)
	if tombstone {
		rec = binio.AppendUint8(rec, recordTombstone)
	} else {
		rec = binio.AppendUint8(rec, recordRegular)
	}
	rec = binio.AppendString(rec, key)
	rec = binio.AppendString(rec, value)
	if expiresAtMillis != nil {
		rec = binio.AppendUint8(rec, 1)
		rec = binio.AppendInt64(rec, *expiresAtMillis)
	} else {
		rec = binio.AppendUint8(rec, 0)
	}

	if _, err := s.file.Write(rec); err != nil {
		return fmt.Errorf("append data record %s: %w", s.dataPath, err)
	}

	if tombstone {
		if _, ok := s.index[string(key)]; ok {
			delete(s.index, string(key))
			s.entryCount--
		}
		s.tombstoneCount++
	} else {
		e := indexEntry{
			offset:    offset,
			valueSize: uint32(len(value)),
		}
		if expiresAtMillis != nil {
			e.expiresAt = clock.FromEpochMillis(*expiresAtMillis)
		}
		if _, ok := s.index[string(key)]; !ok {
			s.entryCount++
		}
		s.index[string(key)] = e
	}

	return s.remap()
}

// readValueAt reads the value of a record back out of the mapped file,
// skipping the flag byte and the key.
func (s *DiskStore) readValueAt(e indexEntry) ([]byte, error) {
	in := io.NewSectionReader(s.reader, e.offset, s.size-e.offset)

	if _, err := binio.ReadUint8(in); err != nil {
		return nil, fmt.Errorf("read data record %s: %w", s.dataPath, err)
	}
	if _, err := binio.ReadString(in); err != nil {
		return nil, fmt.Errorf("read data record %s: %w", s.dataPath, err)
	}
	value, err := binio.ReadString(in)
	if err != nil {
		return nil, fmt.Errorf("read data record %s: %w", s.dataPath, err)
	}
	return value, nil
}

func (s *DiskStore) maybeCompactLocked() error {
	if s.tombstoneCount >= s.compactionThreshold {
		return s.compactLocked()
	}
	return nil
}

// compactLocked writes live entries to <data>.tmp, renames it over the
// data file, and rebuilds the index from the new file so offsets stay
// authoritative. The live file is replaced only after the temp is fully
// written; a crash mid-compaction leaves the original intact.
func (s *DiskStore) compactLocked() error {
	tempPath := s.dataPath + ".tmp"

	temp, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open compaction temp %s: %w", tempPath, err)
	}

	out := bufio.NewWriter(temp)
	if err := binio.WriteUint32(out, dataMagic); err != nil {
		temp.Close()
		return fmt.Errorf("write compaction header %s: %w", tempPath, err)
	}
	if err := binio.WriteUint32(out, dataVersion); err != nil {
		temp.Close()
		return fmt.Errorf("write compaction header %s: %w", tempPath, err)
	}

	// Sorted keys keep the rewritten file deterministic: compacting an
	// already-compacted store reproduces it byte for byte.
	keys := make([]string, 0, len(s.index))
	for key := range s.index {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		e := s.index[key]
		if s.isExpired(e) {
			continue
		}
		value, err := s.readValueAt(e)
		if err != nil {
			temp.Close()
			return err
		}

		if err := binio.WriteUint8(out, recordRegular); err != nil {
			temp.Close()
			return fmt.Errorf("write compaction record %s: %w", tempPath, err)
		}
		if err := binio.WriteString(out, []byte(key)); err != nil {
			temp.Close()
			return fmt.Errorf("write compaction record %s: %w", tempPath, err)
		}
		if err := binio.WriteString(out, value); err != nil {
			temp.Close()
			return fmt.Errorf("write compaction record %s: %w", tempPath, err)
		}
		if e.expiresAt.IsZero() {
			if err := binio.WriteUint8(out, 0); err != nil {
				temp.Close()
				return fmt.Errorf("write compaction record %s: %w", tempPath, err)
			}
		} else {
			if err := binio.WriteUint8(out, 1); err != nil {
				temp.Close()
				return fmt.Errorf("write compaction record %s: %w", tempPath, err)
			}
			if err := binio.WriteInt64(out, clock.ToEpochMillis(e.expiresAt)); err != nil {
				temp.Close()
				return fmt.Errorf("write compaction record %s: %w", tempPath, err)
			}
		}
	}

	if err := out.Flush(); err != nil {
		temp.Close()
		return fmt.Errorf("flush compaction temp %s: %w", tempPath, err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("sync compaction temp %s: %w", tempPath, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("close compaction temp %s: %w", tempPath, err)
	}

	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close data mapping %s: %w", s.dataPath, err)
	}
	s.reader = nil
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close data file %s: %w", s.dataPath, err)
	}

	if err := os.Rename(tempPath, s.dataPath); err != nil {
		return fmt.Errorf("rename compacted file %s: %w", s.dataPath, err)
	}

	file, err := os.OpenFile(s.dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen data file %s: %w", s.dataPath, err)
	}
	s.file = file
	if err := s.remap(); err != nil {
		return err
	}

	clear(s.index)
	s.entryCount = 0
	s.tombstoneCount = 0
	return s.loadIndex()
}
