// Package client is the network client for the kvstore server. It speaks
// either the text or the binary framing over a single TCP connection and
// maps responses back onto Go types.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tmslee/kvstore/internal/protocol"
)

var ErrNotConnected = errors.New("client is not connected")

// Options configures a Client.
type Options struct {
	Host string
	Port int

	// Binary selects the length-prefixed framing; the default is the
	// text protocol.
	Binary bool

	// Timeout bounds connect, each send, and each receive; 0 means no
	// deadline.
	Timeout time.Duration
}

// Client is a single-connection, request-at-a-time client. Not safe for
// concurrent use.
type Client struct {
	opts Options
	conn net.Conn
	in   *bufio.Reader
	buf  []byte // partial binary frames between calls
}

// New builds a client; call Connect before issuing requests.
func New(opts Options) *Client {
	return &Client{opts: opts}
}

// Connect dials the server. A no-op when already connected.
func (c *Client) Connect() error {
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	conn, err := net.DialTimeout("tcp", addr, c.opts.Timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}

	c.conn = conn
	c.in = bufio.NewReader(conn)
	c.buf = nil
	return nil
}

// Disconnect closes the connection. A no-op when already disconnected.
func (c *Client) Disconnect() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.in = nil
		c.buf = nil
	}
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Do sends one request and waits for its response. Transport failures
// disconnect the client.
func (c *Client) Do(req protocol.Request) (protocol.Response, error) {
	if c.conn == nil {
		return protocol.Response{}, ErrNotConnected
	}

	if err := c.send(req); err != nil {
		c.Disconnect()
		return protocol.Response{}, err
	}

	resp, err := c.receive()
	if err != nil {
		c.Disconnect()
		return protocol.Response{}, err
	}
	return resp, nil
}

func (c *Client) send(req protocol.Request) error {
	if c.opts.Timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	}

	var frame []byte
	if c.opts.Binary {
		frame = protocol.EncodeBinaryRequest(req)
	} else {
		frame = []byte(protocol.EncodeTextRequest(req))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func (c *Client) receive() (protocol.Response, error) {
	if c.opts.Timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	}

	if !c.opts.Binary {
		line, err := c.in.ReadString('\n')
		if err != nil {
			return protocol.Response{}, fmt.Errorf("read response: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		return protocol.DecodeTextResponse(line), nil
	}

	chunk := make([]byte, 1024)
	for {
		resp, consumed, err := protocol.DecodeBinaryResponse(c.buf)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("read response: %w", err)
		}
		if resp != nil {
			c.buf = c.buf[consumed:]
			return *resp, nil
		}

		n, err := c.in.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return protocol.Response{}, fmt.Errorf("read response: %w", err)
		}
	}
}

// Put stores a value.
func (c *Client) Put(key, value []byte) error {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdPut, Key: key, Value: value})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOk {
		return fmt.Errorf("PUT failed: %s", resp.Data)
	}
	return nil
}

// PutWithTTL stores a value that expires ttl from now.
func (c *Client) PutWithTTL(key, value []byte, ttl time.Duration) error {
	resp, err := c.Do(protocol.Request{
		Command:   protocol.CmdPutEx,
		Key:       key,
		Value:     value,
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOk {
		return fmt.Errorf("PUTEX failed: %s", resp.Data)
	}
	return nil
}

// Get fetches a value, reporting whether the key was present.
func (c *Client) Get(key []byte) ([]byte, bool, error) {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	switch resp.Status {
	case protocol.StatusOk:
		return resp.Data, true, nil
	case protocol.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("GET failed: %s", resp.Data)
	}
}

// Remove deletes a key, reporting whether it existed.
func (c *Client) Remove(key []byte) (bool, error) {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdDel, Key: key})
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case protocol.StatusOk:
		return true, nil
	case protocol.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("DEL failed: %s", resp.Data)
	}
}

// Contains reports whether a key exists.
func (c *Client) Contains(key []byte) (bool, error) {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdExists, Key: key})
	if err != nil {
		return false, err
	}
	if resp.Status != protocol.StatusOk {
		return false, fmt.Errorf("EXISTS failed: %s", resp.Data)
	}
	return string(resp.Data) == "1", nil
}

// Size reports the number of keys in the store.
func (c *Client) Size() (int, error) {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdSize})
	if err != nil {
		return 0, err
	}
	if resp.Status != protocol.StatusOk {
		return 0, fmt.Errorf("SIZE failed: %s", resp.Data)
	}
	n, err := strconv.Atoi(string(resp.Data))
	if err != nil {
		return 0, fmt.Errorf("SIZE returned %q: %w", resp.Data, err)
	}
	return n, nil
}

// Clear removes every key.
func (c *Client) Clear() error {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdClear})
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOk {
		return fmt.Errorf("CLEAR failed: %s", resp.Data)
	}
	return nil
}

// Ping reports whether the server answers.
func (c *Client) Ping() bool {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdPing})
	return err == nil && resp.Status == protocol.StatusOk && string(resp.Data) == "PONG"
}

// Quit asks the server to close the connection, then disconnects.
func (c *Client) Quit() error {
	resp, err := c.Do(protocol.Request{Command: protocol.CmdQuit})
	if err != nil {
		return err
	}
	c.Disconnect()
	if resp.Status != protocol.StatusBye {
		return fmt.Errorf("QUIT failed: %s", resp.Data)
	}
	return nil
}
