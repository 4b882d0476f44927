package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/tmslee/kvstore/internal/binio"
)

const (
	snapshotMagic   uint32 = 0x4B565353 // "KVSS"
	snapshotVersion uint32 = 1
)

// EmitFunc receives one live entry during Snapshot.Save. expiresAtMillis is
// nil for entries without a TTL.
type EmitFunc func(key, value []byte, expiresAtMillis *int64)

// IterateFunc walks every live entry and hands each to emit. The memory
// store runs it under its write lock so the dump is consistent.
type IterateFunc func(emit EmitFunc)

// LoadFunc receives one entry per call during Snapshot.Load.
type LoadFunc func(key, value []byte, expiresAtMillis *int64)

// Snapshot writes and reads whole-store dumps. Save is atomic: the dump
// goes to <path>.tmp and is renamed over <path> only once complete, so a
// crash mid-save leaves the previous snapshot intact.
type Snapshot struct {
	path       string
	entryCount uint64
}

func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

// Save writes a full dump. The file layout is magic | version | count |
// entries; the count is a placeholder rewritten once iteration finishes.
func (s *Snapshot) Save(iterate IterateFunc) error {
	tempPath := s.path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot temp %s: %w", tempPath, err)
	}

	out := bufio.NewWriter(file)
	if err := binio.WriteUint32(out, snapshotMagic); err != nil {
		file.Close()
		return fmt.Errorf("write snapshot header %s: %w", tempPath, err)
	}
	if err := binio.WriteUint32(out, snapshotVersion); err != nil {
		file.Close()
		return fmt.Errorf("write snapshot header %s: %w", tempPath, err)
	}
	if err := binio.WriteUint64(out, 0); err != nil {
		file.Close()
		return fmt.Errorf("write snapshot header %s: %w", tempPath, err)
	}

	var count uint64
	var emitErr error
	iterate(func(key, value []byte, expiresAtMillis *int64) {
		if emitErr != nil {
			return
		}
		if emitErr = binio.WriteString(out, key); emitErr != nil {
			return
		}
		if emitErr = binio.WriteString(out, value); emitErr != nil {
			return
		}
		var hasExpiration uint8
		if expiresAtMillis != nil {
			hasExpiration = 1
		}
		if emitErr = binio.WriteUint8(out, hasExpiration); emitErr != nil {
			return
		}
		if expiresAtMillis != nil {
			emitErr = binio.WriteInt64(out, *expiresAtMillis)
		}
		count++
	})
	if emitErr != nil {
		file.Close()
		return fmt.Errorf("write snapshot entries %s: %w", tempPath, emitErr)
	}

	if err := out.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush snapshot %s: %w", tempPath, err)
	}

	// Seek back and fill in the real entry count.
	if _, err := file.Seek(8, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("seek snapshot %s: %w", tempPath, err)
	}
	if err := binio.WriteUint64(file, count); err != nil {
		file.Close()
		return fmt.Errorf("rewrite snapshot count %s: %w", tempPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync snapshot %s: %w", tempPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close snapshot %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot %s: %w", s.path, err)
	}

	s.entryCount = count
	return nil
}

// Load reads the dump and hands each entry to cb. A missing file is not an
// error; a bad header or a short read before count entries is corruption.
func (s *Snapshot) Load(cb LoadFunc) error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot %s: %w", s.path, err)
	}
	defer file.Close()

	in := bufio.NewReader(file)

	m, err := binio.ReadUint32(in)
	if err != nil || m != snapshotMagic {
		return fmt.Errorf("%w: snapshot %s: bad magic", ErrCorruptFile, s.path)
	}
	v, err := binio.ReadUint32(in)
	if err != nil || v != snapshotVersion {
		return fmt.Errorf("%w: snapshot %s: unsupported version", ErrCorruptFile, s.path)
	}

	count, err := binio.ReadUint64(in)
	if err != nil {
		return fmt.Errorf("%w: snapshot %s: missing entry count", ErrCorruptFile, s.path)
	}

	for i := uint64(0); i < count; i++ {
		key, err := binio.ReadString(in)
		if err != nil {
			return fmt.Errorf("%w: snapshot %s: truncated entry %d", ErrCorruptFile, s.path, i)
		}
		value, err := binio.ReadString(in)
		if err != nil {
			return fmt.Errorf("%w: snapshot %s: truncated entry %d", ErrCorruptFile, s.path, i)
		}
		hasExpiration, err := binio.ReadUint8(in)
		if err != nil {
			return fmt.Errorf("%w: snapshot %s: truncated entry %d", ErrCorruptFile, s.path, i)
		}
		var expiresAtMillis *int64
		if hasExpiration != 0 {
			ms, err := binio.ReadInt64(in)
			if err != nil {
				return fmt.Errorf("%w: snapshot %s: truncated entry %d", ErrCorruptFile, s.path, i)
			}
			expiresAtMillis = &ms
		}
		cb(key, value, expiresAtMillis)
	}

	s.entryCount = count
	return nil
}

// Exists reports whether a snapshot file is present.
func (s *Snapshot) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path reports the snapshot file path.
func (s *Snapshot) Path() string {
	return s.path
}

// EntryCount reports the number of entries written by the last Save or
// read by the last Load.
func (s *Snapshot) EntryCount() uint64 {
	return s.entryCount
}
