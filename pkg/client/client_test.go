package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tmslee/kvstore/internal/server"
	"github.com/tmslee/kvstore/internal/storage"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	store, err := storage.OpenMemoryStore(storage.MemoryOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := server.New(store, server.Options{Host: "127.0.0.1"})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func connect(t *testing.T, srv *server.Server, binary bool) *Client {
	t.Helper()
	c := New(Options{
		Host:    "127.0.0.1",
		Port:    srv.Port(),
		Binary:  binary,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, c.Connect())
	t.Cleanup(c.Disconnect)
	return c
}

func testClientOperations(t *testing.T, c *Client) {
	require.True(t, c.Ping())

	require.NoError(t, c.Put([]byte("foo"), []byte("bar")))

	value, found, err := c.Get([]byte("foo"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("bar"), value)

	found, err = c.Contains([]byte("foo"))
	require.NoError(t, err)
	require.True(t, found)

	size, err := c.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)

	removed, err := c.Remove([]byte("foo"))
	require.NoError(t, err)
	require.True(t, removed)

	_, found, err = c.Get([]byte("foo"))
	require.NoError(t, err)
	require.False(t, found)

	removed, err = c.Remove([]byte("foo"))
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, c.Put([]byte("a"), []byte("1")))
	require.NoError(t, c.Put([]byte("b"), []byte("2")))
	require.NoError(t, c.Clear())

	size, err = c.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestClientTextProtocol(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv, false)
	testClientOperations(t, c)
}

func TestClientBinaryProtocol(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv, true)
	testClientOperations(t, c)
}

func TestClientBinaryValues(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv, true)

	value := []byte{0x00, 0x01, 0x02, 0xFF, '\n', 0x00}
	require.NoError(t, c.Put([]byte("bin"), value))

	got, found, err := c.Get([]byte("bin"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, value, got)
}

func TestClientPutWithTTL(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv, false)

	require.NoError(t, c.PutWithTTL([]byte("k"), []byte("v"), time.Hour))

	value, found, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)
}

func TestClientQuit(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv, false)

	require.NoError(t, c.Quit())
	require.False(t, c.Connected())

	_, _, err := c.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClientConnectFailure(t *testing.T) {
	c := New(Options{
		Host:    "127.0.0.1",
		Port:    1, // nothing listens here
		Timeout: time.Second,
	})
	require.Error(t, c.Connect())
	require.False(t, c.Connected())
}
