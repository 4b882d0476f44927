package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type replayed struct {
	kind    RecordKind
	key     string
	value   string
	expires *int64
}

func collect(t *testing.T, w *WAL) []replayed {
	t.Helper()
	var out []replayed
	err := w.Replay(func(kind RecordKind, key, value []byte, expiresAtMillis *int64) {
		r := replayed{kind: kind, key: string(key), value: string(value)}
		if expiresAtMillis != nil {
			ms := *expiresAtMillis
			r.expires = &ms
		}
		out = append(out, r)
	})
	require.NoError(t, err)
	return out
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogPut([]byte("a"), []byte("1")))
	require.NoError(t, w.LogPutWithTTL([]byte("b"), []byte("2"), 123456789))
	require.NoError(t, w.LogRemove([]byte("a")))
	require.NoError(t, w.LogClear())

	records := collect(t, w)
	require.Len(t, records, 4)

	require.Equal(t, RecordPut, records[0].kind)
	require.Equal(t, "a", records[0].key)
	require.Equal(t, "1", records[0].value)
	require.Nil(t, records[0].expires)

	require.Equal(t, RecordPutWithTTL, records[1].kind)
	require.NotNil(t, records[1].expires)
	require.Equal(t, int64(123456789), *records[1].expires)

	require.Equal(t, RecordRemove, records[2].kind)
	require.Equal(t, "a", records[2].key)

	require.Equal(t, RecordClear, records[3].kind)
}

func TestReplayAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.LogPut([]byte("k"), []byte("v")))
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()

	records := collect(t, w)
	require.Len(t, records, 1)
	require.Equal(t, "k", records[0].key)
	require.Equal(t, "v", records[0].value)
}

func TestTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogPut([]byte("k"), []byte("v")))

	before, err := w.Size()
	require.NoError(t, err)

	require.NoError(t, w.Truncate())

	after, err := w.Size()
	require.NoError(t, err)
	require.Less(t, after, before)
	require.Equal(t, int64(8), after) // bare header

	require.Empty(t, collect(t, w))

	// Appends keep working after a truncate.
	require.NoError(t, w.LogPut([]byte("x"), []byte("y")))
	require.Len(t, collect(t, w), 1)
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.LogPut([]byte("a"), []byte("1")))
	require.NoError(t, w.LogPut([]byte("b"), []byte("2")))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a record that declares a 5-byte key but
	// carries only one.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(RecordPut), 0, 0, 0, 5, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()

	records := collect(t, w)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].key)
	require.Equal(t, "b", records[1].key)
}

func TestReplayRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	require.NoError(t, os.WriteFile(path, []byte("NOTAWAL!"), 0o644))

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	err = w.Replay(func(RecordKind, []byte, []byte, *int64) {})
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestEmptyKeyAndValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogPut(nil, nil))

	records := collect(t, w)
	require.Len(t, records, 1)
	require.Empty(t, records[0].key)
	require.Empty(t, records[0].value)
}

func TestSyncAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	size, err := w.Size()
	require.NoError(t, err)
	require.Equal(t, int64(8), size)

	require.NoError(t, w.LogPut([]byte("key"), []byte("value")))
	require.NoError(t, w.Sync())

	size, err = w.Size()
	require.NoError(t, err)
	// kind + len32 + "key" + len32 + "value"
	require.Equal(t, int64(8+1+4+3+4+5), size)
	require.Equal(t, path, w.Path())
}
