package server

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tmslee/kvstore/internal/clock"
	"github.com/tmslee/kvstore/internal/protocol"
	"github.com/tmslee/kvstore/internal/storage"
)

func startServer(t *testing.T, store storage.Store, opts Options) *Server {
	t.Helper()
	opts.Host = "127.0.0.1"
	srv := New(store, opts)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func startMemoryServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.OpenMemoryStore(storage.MemoryOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return startServer(t, store, Options{})
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendLine(t *testing.T, conn net.Conn, in *bufio.Reader, line string) string {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	reply, err := in.ReadString('\n')
	require.NoError(t, err)
	return reply
}

func sendFrame(t *testing.T, conn net.Conn, in io.Reader, req protocol.Request) protocol.Response {
	t.Helper()
	_, err := conn.Write(protocol.EncodeBinaryRequest(req))
	require.NoError(t, err)
	return readFrame(t, in)
}

func readFrame(t *testing.T, in io.Reader) protocol.Response {
	t.Helper()
	header := make([]byte, 4)
	_, err := io.ReadFull(in, header)
	require.NoError(t, err)
	length := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	payload := make([]byte, length)
	_, err = io.ReadFull(in, payload)
	require.NoError(t, err)

	frame := append(header, payload...)
	resp, consumed, err := protocol.DecodeBinaryResponse(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), consumed)
	return *resp
}

func TestServerReportsEphemeralPort(t *testing.T) {
	srv := startMemoryServer(t)
	require.True(t, srv.Running())
	require.NotZero(t, srv.Port())
}

func TestTextProtocolRoundTrip(t *testing.T) {
	srv := startMemoryServer(t)
	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	require.Equal(t, "OK\n", sendLine(t, conn, in, "PUT foo bar"))
	require.Equal(t, "OK bar\n", sendLine(t, conn, in, "GET foo"))
	require.Equal(t, "OK 1\n", sendLine(t, conn, in, "SIZE"))
	require.Equal(t, "OK\n", sendLine(t, conn, in, "DEL foo"))
	require.Equal(t, "NOT_FOUND\n", sendLine(t, conn, in, "GET foo"))
}

func TestTextProtocolMore(t *testing.T) {
	srv := startMemoryServer(t)
	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	require.Equal(t, "OK PONG\n", sendLine(t, conn, in, "PING"))
	require.Equal(t, "OK\n", sendLine(t, conn, in, "PUT k multi word value"))
	require.Equal(t, "OK multi word value\n", sendLine(t, conn, in, "GET k"))
	require.Equal(t, "OK 1\n", sendLine(t, conn, in, "EXISTS k"))
	require.Equal(t, "OK 0\n", sendLine(t, conn, in, "EXISTS missing"))
	require.Equal(t, "OK\n", sendLine(t, conn, in, "CLEAR"))
	require.Equal(t, "OK 0\n", sendLine(t, conn, in, "SIZE"))
	require.Equal(t, "ERROR unknown command\n", sendLine(t, conn, in, "BOGUS stuff"))

	// Aliases work on the wire too.
	require.Equal(t, "OK\n", sendLine(t, conn, in, "SET s v"))
	require.Equal(t, "OK 1\n", sendLine(t, conn, in, "CONTAINS s"))
}

func TestTextQuitClosesConnection(t *testing.T) {
	srv := startMemoryServer(t)
	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	require.Equal(t, "BYE\n", sendLine(t, conn, in, "QUIT"))

	// The server closes its side; the next read sees EOF.
	_, err := in.ReadString('\n')
	require.Equal(t, io.EOF, err)
}

func TestBinaryProtocolRoundTrip(t *testing.T) {
	srv := startMemoryServer(t)
	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	value := []byte{0x00, 0x01, 0x02, 0xFF}

	resp := sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdPut, Key: []byte("bin"), Value: value})
	require.Equal(t, protocol.StatusOk, resp.Status)

	resp = sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdGet, Key: []byte("bin")})
	require.Equal(t, protocol.StatusOk, resp.Status)
	require.Equal(t, value, resp.Data)

	resp = sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdSize})
	require.Equal(t, protocol.StatusOk, resp.Status)
	require.Equal(t, "1", string(resp.Data))

	resp = sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdQuit})
	require.Equal(t, protocol.StatusBye, resp.Status)
	require.True(t, resp.CloseConnection)
}

func TestBinaryEmptyKeyRejected(t *testing.T) {
	srv := startMemoryServer(t)
	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	resp := sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdGet})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Contains(t, string(resp.Data), "usage")
}

func TestAutoDetectServesBothProtocols(t *testing.T) {
	srv := startMemoryServer(t)

	// A connection that leads with printable ASCII speaks text.
	textConn := dialServer(t, srv)
	textIn := bufio.NewReader(textConn)
	require.Equal(t, "OK\n", sendLine(t, textConn, textIn, "PUT shared hello"))

	// One that leads with a NUL length-prefix byte speaks binary.
	binConn := dialServer(t, srv)
	binIn := bufio.NewReader(binConn)
	resp := sendFrame(t, binConn, binIn, protocol.Request{Command: protocol.CmdGet, Key: []byte("shared")})
	require.Equal(t, protocol.StatusOk, resp.Status)
	require.Equal(t, "hello", string(resp.Data))
}

func TestBinaryOnlyOption(t *testing.T) {
	store, err := storage.OpenMemoryStore(storage.MemoryOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := startServer(t, store, Options{BinaryOnly: true})

	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	resp := sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdPing})
	require.Equal(t, protocol.StatusOk, resp.Status)
	require.Equal(t, "PONG", string(resp.Data))
}

func TestTTLOverWire(t *testing.T) {
	mock := clock.NewMockClock()
	store, err := storage.OpenMemoryStore(storage.MemoryOptions{Clock: mock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := startServer(t, store, Options{})

	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	require.Equal(t, "OK\n", sendLine(t, conn, in, "PUTEX k 1000 v"))

	mock.Advance(500 * time.Millisecond)
	require.Equal(t, "OK v\n", sendLine(t, conn, in, "GET k"))

	mock.Advance(600 * time.Millisecond)
	require.Equal(t, "NOT_FOUND\n", sendLine(t, conn, in, "GET k"))
}

func TestMalformedBinaryFrameKeepsConnection(t *testing.T) {
	srv := startMemoryServer(t)
	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	// Complete frame with an unknown command byte.
	_, err := conn.Write([]byte{0, 0, 0, 1, 0xEE})
	require.NoError(t, err)
	resp := readFrame(t, in)
	require.Equal(t, protocol.StatusError, resp.Status)

	// The connection still serves well-formed requests.
	resp = sendFrame(t, conn, in, protocol.Request{Command: protocol.CmdPing})
	require.Equal(t, protocol.StatusOk, resp.Status)
}

func TestServerStopDisconnectsClients(t *testing.T) {
	store, err := storage.OpenMemoryStore(storage.MemoryOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := New(store, Options{Host: "127.0.0.1"})
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	in := bufio.NewReader(conn)
	require.Equal(t, "OK PONG\n", sendLine(t, conn, in, "PING"))

	srv.Stop()
	require.False(t, srv.Running())

	// The worker has shut the socket; reads drain to EOF.
	_, err = in.ReadString('\n')
	require.Error(t, err)
}

func TestDiskBackendOverWire(t *testing.T) {
	store, err := storage.OpenDiskStore(storage.DiskOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := startServer(t, store, Options{})

	conn := dialServer(t, srv)
	in := bufio.NewReader(conn)

	require.Equal(t, "OK\n", sendLine(t, conn, in, "PUT foo bar"))
	require.Equal(t, "OK bar\n", sendLine(t, conn, in, "GET foo"))
	require.Equal(t, "OK\n", sendLine(t, conn, in, "DEL foo"))
	require.Equal(t, "NOT_FOUND\n", sendLine(t, conn, in, "GET foo"))
}
