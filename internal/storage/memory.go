package storage

import (
	"sync"
	"time"

	"github.com/tmslee/kvstore/internal/clock"
	"github.com/tmslee/kvstore/internal/wal"
)

// DefaultSnapshotThreshold is the number of WAL records after which the
// memory store snapshots itself and truncates the log.
const DefaultSnapshotThreshold = 10000

// MemoryOptions configures a MemoryStore. Both paths are optional: with no
// WALPath the store is volatile, with no SnapshotPath recovery replays the
// whole log.
type MemoryOptions struct {
	WALPath           string
	SnapshotPath      string
	SnapshotThreshold int
	Clock             clock.Clock
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

// MemoryStore is a map with TTL support, durable through a write-ahead log
// and periodic snapshots. Get and Contains take the exclusive lock because
// they may evict an expired entry.
type MemoryStore struct {
	mu sync.RWMutex

	data     map[string]entry
	wal      *wal.WAL
	snapshot *Snapshot
	clock    clock.Clock

	snapshotThreshold       int
	walEntriesSinceSnapshot int
	closed                  bool
}

// OpenMemoryStore builds the store and recovers prior state: the snapshot
// is loaded first, then the WAL is replayed over it. Entries already
// expired at load time are dropped.
func OpenMemoryStore(opts MemoryOptions) (*MemoryStore, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystemClock()
	}
	if opts.SnapshotThreshold <= 0 {
		opts.SnapshotThreshold = DefaultSnapshotThreshold
	}

	s := &MemoryStore{
		data:              make(map[string]entry),
		clock:             opts.Clock,
		snapshotThreshold: opts.SnapshotThreshold,
	}

	if opts.SnapshotPath != "" {
		s.snapshot = NewSnapshot(opts.SnapshotPath)
		if s.snapshot.Exists() {
			now := s.clock.Now()
			err := s.snapshot.Load(func(key, value []byte, expiresAtMillis *int64) {
				e := entry{value: append([]byte(nil), value...)}
				if expiresAtMillis != nil {
					e.expiresAt = clock.FromEpochMillis(*expiresAtMillis)
					if !now.Before(e.expiresAt) {
						return
					}
				}
				s.data[string(key)] = e
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if opts.WALPath != "" {
		w, err := wal.Open(opts.WALPath)
		if err != nil {
			return nil, err
		}
		if err := s.recover(w); err != nil {
			w.Close()
			return nil, err
		}
		s.wal = w
	}

	return s, nil
}

func (s *MemoryStore) recover(w *wal.WAL) error {
	now := s.clock.Now()
	return w.Replay(func(kind wal.RecordKind, key, value []byte, expiresAtMillis *int64) {
		switch kind {
		case wal.RecordPut:
			s.data[string(key)] = entry{value: append([]byte(nil), value...)}
		case wal.RecordPutWithTTL:
			expiresAt := clock.FromEpochMillis(*expiresAtMillis)
			if now.Before(expiresAt) {
				s.data[string(key)] = entry{
					value:     append([]byte(nil), value...),
					expiresAt: expiresAt,
				}
			}
		case wal.RecordRemove:
			delete(s.data, string(key))
		case wal.RecordClear:
			clear(s.data)
		}
	})
}

// Put stores a value with no expiration.
func (s *MemoryStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.wal != nil {
		if err := s.wal.LogPut(key, value); err != nil {
			return err
		}
		s.walEntriesSinceSnapshot++
		if err := s.maybeSnapshotLocked(); err != nil {
			return err
		}
	}
	s.data[string(key)] = entry{value: append([]byte(nil), value...)}
	return nil
}

// PutWithTTL stores a value that expires ttl from now.
func (s *MemoryStore) PutWithTTL(key, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	expiresAt := s.clock.Now().Add(ttl)
	if s.wal != nil {
		if err := s.wal.LogPutWithTTL(key, value, clock.ToEpochMillis(expiresAt)); err != nil {
			return err
		}
		s.walEntriesSinceSnapshot++
		if err := s.maybeSnapshotLocked(); err != nil {
			return err
		}
	}
	s.data[string(key)] = entry{
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt,
	}
	return nil
}

// Get returns a copy of the value. An expired entry is erased and reported
// as absent, which is why the exclusive lock is taken.
func (s *MemoryStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	e, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	if s.isExpired(e) {
		delete(s.data, string(key))
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Remove deletes a key, reporting whether it was present.
func (s *MemoryStore) Remove(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if s.wal != nil {
		if err := s.wal.LogRemove(key); err != nil {
			return false, err
		}
		s.walEntriesSinceSnapshot++
		if err := s.maybeSnapshotLocked(); err != nil {
			return false, err
		}
	}
	_, ok := s.data[string(key)]
	delete(s.data, string(key))
	return ok, nil
}

// Contains reports whether a live entry exists, erasing it if expired.
func (s *MemoryStore) Contains(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	e, ok := s.data[string(key)]
	if !ok {
		return false, nil
	}
	if s.isExpired(e) {
		delete(s.data, string(key))
		return false, nil
	}
	return true, nil
}

// Size reports the number of entries in the map, expired stragglers
// included until something evicts them.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Empty reports whether the map holds no entries.
func (s *MemoryStore) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data) == 0
}

// Clear removes every entry.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.wal != nil {
		if err := s.wal.LogClear(); err != nil {
			return err
		}
		s.walEntriesSinceSnapshot++
		if err := s.maybeSnapshotLocked(); err != nil {
			return err
		}
	}
	clear(s.data)
	return nil
}

// Flush pushes the WAL to stable storage.
func (s *MemoryStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.wal == nil {
		return nil
	}
	return s.wal.Sync()
}

// Snapshot writes a full dump now, truncates the WAL, and resets the
// auto-snapshot counter.
func (s *MemoryStore) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.snapshotLocked()
}

// CleanupExpired walks the map and erases every expired entry.
func (s *MemoryStore) CleanupExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.clock.Now()
	for key, e := range s.data {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.data, key)
		}
	}
	return nil
}

// WALSize reports the current WAL length in bytes, 0 without a WAL.
func (s *MemoryStore) WALSize() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wal == nil {
		return 0, nil
	}
	return s.wal.Size()
}

// Close releases the WAL file handle. The store rejects operations after.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}

func (s *MemoryStore) isExpired(e entry) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return !s.clock.Now().Before(e.expiresAt)
}

// maybeSnapshotLocked runs the auto-snapshot when the WAL record counter
// reaches the threshold. Caller holds the write lock; reads block for the
// snapshot's duration.
func (s *MemoryStore) maybeSnapshotLocked() error {
	if s.snapshot == nil || s.walEntriesSinceSnapshot < s.snapshotThreshold {
		return nil
	}
	return s.snapshotLocked()
}

func (s *MemoryStore) snapshotLocked() error {
	if s.snapshot == nil {
		return nil
	}

	err := s.snapshot.Save(func(emit EmitFunc) {
		for key, e := range s.data {
			if s.isExpired(e) {
				continue
			}
			var expiresAtMillis *int64
			if !e.expiresAt.IsZero() {
				ms := clock.ToEpochMillis(e.expiresAt)
				expiresAtMillis = &ms
			}
			emit([]byte(key), e.value, expiresAtMillis)
		}
	})
	if err != nil {
		return err
	}

	if s.wal != nil {
		if err := s.wal.Truncate(); err != nil {
			return err
		}
	}
	s.walEntriesSinceSnapshot = 0
	return nil
}
