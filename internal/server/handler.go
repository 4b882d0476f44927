package server

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strings"

	"github.com/tmslee/kvstore/internal/protocol"
)

const frameHeaderSize = 4

// protocolHandler frames requests and responses over one connection. The
// server builds one per connection after sniffing the first byte.
type protocolHandler interface {
	readRequest() (*protocol.Request, error)
	writeResponse(resp protocol.Response) error
}

// newProtocolHandler picks the framing for a fresh connection. The first
// byte is peeked, not consumed: printable ASCII means a text command is
// coming, NUL or a high bit means a binary length prefix.
func newProtocolHandler(conn net.Conn, in *bufio.Reader, forceBinary bool) (protocolHandler, error) {
	if forceBinary {
		return &binaryHandler{conn: conn, in: in}, nil
	}

	first, err := in.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] == 0x00 || first[0] > 127 {
		return &binaryHandler{conn: conn, in: in}, nil
	}
	return &textHandler{conn: conn, in: in}, nil
}

// textHandler speaks the line protocol. The bufio reader buffers partial
// lines between reads.
type textHandler struct {
	conn net.Conn
	in   *bufio.Reader
}

func (h *textHandler) readRequest() (*protocol.Request, error) {
	line, err := h.in.ReadString('\n')
	if err != nil {
		// A dangling partial line at EOF is framing exhaustion, not a
		// request.
		return nil, io.EOF
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	req := protocol.DecodeTextRequest(line)
	return &req, nil
}

func (h *textHandler) writeResponse(resp protocol.Response) error {
	_, err := h.conn.Write([]byte(protocol.EncodeTextResponse(resp)))
	return err
}

// binaryHandler speaks the length-prefixed protocol, accumulating bytes
// until a whole frame is buffered.
type binaryHandler struct {
	conn net.Conn
	in   *bufio.Reader
	buf  []byte
}

func (h *binaryHandler) readRequest() (*protocol.Request, error) {
	chunk := make([]byte, 1024)
	for !protocol.HasCompleteMessage(h.buf) {
		n, err := h.in.Read(chunk)
		if n > 0 {
			h.buf = append(h.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	req, consumed, err := protocol.DecodeBinaryRequest(h.buf)
	if err != nil {
		// Drop the malformed frame so the next one can parse; the caller
		// answers with an error response and keeps the connection.
		skip := frameHeaderSize + int(binary.BigEndian.Uint32(h.buf))
		if skip > len(h.buf) {
			skip = len(h.buf)
		}
		h.buf = h.buf[skip:]
		return nil, err
	}
	h.buf = h.buf[consumed:]
	return req, nil
}

func (h *binaryHandler) writeResponse(resp protocol.Response) error {
	_, err := h.conn.Write(protocol.EncodeBinaryResponse(resp))
	return err
}
