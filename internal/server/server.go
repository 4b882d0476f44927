// Package server drives TCP clients through a protocol handler into a
// store. Each connection is served by its own goroutine; the text and
// binary protocols share the listener, discriminated by the first byte of
// the connection.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tmslee/kvstore/internal/protocol"
	"github.com/tmslee/kvstore/internal/storage"
)

// DefaultPort is the conventional port the binaries use when no -port flag
// is given. Options.Port left zero does not select it; it binds an
// ephemeral port.
const DefaultPort = 6379

const maxConnectionsBackoff = 10 * time.Millisecond

// Options configures a Server.
type Options struct {
	Host string
	Port int // 0 binds an ephemeral port; query it with Port()

	// MaxConnections caps concurrent clients; 0 means unlimited.
	MaxConnections int

	// ClientTimeout bounds each read and write on a client socket; 0
	// means no deadline.
	ClientTimeout time.Duration

	// BinaryOnly skips first-byte detection and speaks binary framing to
	// every client.
	BinaryOnly bool

	Logger *slog.Logger
}

// Server owns the listener, the accept goroutine, and the per-connection
// workers. It holds a non-owning reference to the store.
type Server struct {
	store  storage.Store
	opts   Options
	logger *slog.Logger

	running  atomic.Bool
	listener net.Listener
	port     int

	acceptDone chan struct{}

	connMu      sync.Mutex
	conns       map[string]net.Conn
	connWG      sync.WaitGroup
	activeConns atomic.Int64
}

// New builds a server around a store. Call Start to begin serving.
func New(store storage.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		opts:   opts,
		logger: logger,
		conns:  make(map[string]net.Conn),
	}
}

// Start binds the listener and spawns the accept goroutine. Passing port 0
// binds an ephemeral port, observable through Port().
func (s *Server) Start() error {
	if s.running.Load() {
		return nil
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.acceptDone = make(chan struct{})
	s.running.Store(true)

	go s.acceptLoop()

	s.logger.Info("server started", "addr", listener.Addr().String())
	return nil
}

// Stop closes the listener, disconnects every client, and waits for all
// workers to exit. Safe to call more than once.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.logger.Info("server stopping")

	// Closing the listener unblocks the accept goroutine.
	_ = s.listener.Close()
	<-s.acceptDone

	// Close remaining client sockets so blocked reads fail and their
	// workers observe running=false.
	s.connMu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	s.connWG.Wait()
	s.logger.Info("server stopped")
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Port reports the actually-bound port.
func (s *Server) Port() int {
	return s.port
}

// Addr reports the listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)

	for s.running.Load() {
		if s.opts.MaxConnections > 0 && int(s.activeConns.Load()) >= s.opts.MaxConnections {
			time.Sleep(maxConnectionsBackoff)
			continue
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		connID := uuid.NewString()
		s.connMu.Lock()
		s.conns[connID] = conn
		s.connMu.Unlock()
		s.activeConns.Add(1)
		s.connWG.Add(1)

		s.logger.Debug("client connected", "conn_id", connID, "remote_addr", conn.RemoteAddr().String())
		go s.handleConn(connID, conn)
	}
}

func (s *Server) handleConn(connID string, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.connMu.Lock()
		delete(s.conns, connID)
		s.connMu.Unlock()
		s.activeConns.Add(-1)
		s.connWG.Done()
		s.logger.Debug("client disconnected", "conn_id", connID)
	}()

	in := bufio.NewReader(conn)

	if s.opts.ClientTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ClientTimeout))
	}
	handler, err := newProtocolHandler(conn, in, s.opts.BinaryOnly)
	if err != nil {
		return
	}

	for s.running.Load() {
		if s.opts.ClientTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ClientTimeout))
		}

		req, err := handler.readRequest()
		if err != nil {
			if errors.Is(err, protocol.ErrBadMessage) {
				// The frame was dropped; tell the client and keep going.
				if writeErr := s.writeResponse(conn, handler, protocol.Error(err.Error())); writeErr != nil {
					return
				}
				continue
			}
			return
		}

		resp := s.dispatch(connID, req)
		if err := s.writeResponse(conn, handler, resp); err != nil {
			s.logger.Debug("write failed", "conn_id", connID, "error", err)
			return
		}
		if resp.CloseConnection {
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, handler protocolHandler, resp protocol.Response) error {
	if s.opts.ClientTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.ClientTimeout))
	}
	return handler.writeResponse(resp)
}

// dispatch maps one request onto the store. A panic below the store
// surface becomes an internal-error response instead of taking the server
// down.
func (s *Server) dispatch(connID string, req *protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request panicked", "conn_id", connID, "command", req.Command.String(), "panic", r)
			resp = protocol.Error(fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch req.Command {
	case protocol.CmdGet:
		if len(req.Key) == 0 {
			return protocol.Error("usage: GET key")
		}
		value, found, err := s.store.Get(req.Key)
		if err != nil {
			return s.internalError(connID, req, err)
		}
		if !found {
			return protocol.NotFound()
		}
		return protocol.OK(value)

	case protocol.CmdPut:
		if len(req.Key) == 0 {
			return protocol.Error("usage: PUT key value")
		}
		if err := s.store.Put(req.Key, req.Value); err != nil {
			return s.internalError(connID, req, err)
		}
		return protocol.OK(nil)

	case protocol.CmdPutEx:
		if len(req.Key) == 0 {
			return protocol.Error("usage: PUTEX key ms value")
		}
		ttl := time.Duration(req.TTLMillis) * time.Millisecond
		if err := s.store.PutWithTTL(req.Key, req.Value, ttl); err != nil {
			return s.internalError(connID, req, err)
		}
		return protocol.OK(nil)

	case protocol.CmdDel:
		if len(req.Key) == 0 {
			return protocol.Error("usage: DEL key")
		}
		removed, err := s.store.Remove(req.Key)
		if err != nil {
			return s.internalError(connID, req, err)
		}
		if !removed {
			return protocol.NotFound()
		}
		return protocol.OK(nil)

	case protocol.CmdExists:
		if len(req.Key) == 0 {
			return protocol.Error("usage: EXISTS key")
		}
		found, err := s.store.Contains(req.Key)
		if err != nil {
			return s.internalError(connID, req, err)
		}
		if found {
			return protocol.OK([]byte("1"))
		}
		return protocol.OK([]byte("0"))

	case protocol.CmdSize:
		return protocol.OK([]byte(strconv.Itoa(s.store.Size())))

	case protocol.CmdClear:
		if err := s.store.Clear(); err != nil {
			return s.internalError(connID, req, err)
		}
		return protocol.OK(nil)

	case protocol.CmdPing:
		return protocol.OK([]byte("PONG"))

	case protocol.CmdQuit:
		return protocol.Bye()

	default:
		return protocol.Error("unknown command")
	}
}

func (s *Server) internalError(connID string, req *protocol.Request, err error) protocol.Response {
	s.logger.Error("store operation failed", "conn_id", connID, "command", req.Command.String(), "error", err)
	return protocol.Error("internal error: " + err.Error())
}
