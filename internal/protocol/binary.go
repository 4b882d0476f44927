package protocol

import (
	"errors"
	"fmt"

	"github.com/tmslee/kvstore/internal/binio"
)

// Binary codec: every message is a uint32 big-endian length followed by
// that many payload bytes. A request payload is cmd(1) plus
// command-specific fields; a response payload is status(1) plus an optional
// length-prefixed data string. Fully 8-bit clean.

// ErrBadMessage marks a complete frame whose payload does not decode:
// unknown command byte, truncated field, empty payload. Distinct from
// "need more bytes", which is a nil result with no error.
var ErrBadMessage = errors.New("malformed message")

const frameHeaderSize = 4

// EncodeBinaryRequest frames a request.
func EncodeBinaryRequest(req Request) []byte {
	payload := make([]byte, 0, 1+4+len(req.Key)+4+len(req.Value)+8)
	payload = binio.AppendUint8(payload, uint8(req.Command))

	switch req.Command {
	case CmdGet, CmdDel, CmdExists:
		payload = binio.AppendString(payload, req.Key)
	case CmdPut:
		payload = binio.AppendString(payload, req.Key)
		payload = binio.AppendString(payload, req.Value)
	case CmdPutEx:
		payload = binio.AppendString(payload, req.Key)
		payload = binio.AppendString(payload, req.Value)
		payload = binio.AppendUint64(payload, uint64(req.TTLMillis))
	}

	frame := make([]byte, 0, frameHeaderSize+len(payload))
	frame = binio.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

// EncodeBinaryResponse frames a response.
func EncodeBinaryResponse(resp Response) []byte {
	payload := make([]byte, 0, 1+4+len(resp.Data))
	payload = binio.AppendUint8(payload, uint8(resp.Status))
	if len(resp.Data) > 0 {
		payload = binio.AppendString(payload, resp.Data)
	}

	frame := make([]byte, 0, frameHeaderSize+len(payload))
	frame = binio.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

// DecodeBinaryRequest incrementally parses one request out of buf. It
// returns (nil, 0, nil) while the buffer does not yet hold a complete
// frame; on success it reports how many bytes the frame consumed.
func DecodeBinaryRequest(buf []byte) (*Request, int, error) {
	payload, consumed, err := completeFrame(buf)
	if payload == nil || err != nil {
		return nil, 0, err
	}

	r := binio.NewReaderAt(buf, frameHeaderSize, consumed)
	cmdByte, err := r.Uint8()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	req := Request{Command: Command(cmdByte)}
	switch req.Command {
	case CmdGet, CmdDel, CmdExists:
		if req.Key, err = r.String(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}

	case CmdPut:
		if req.Key, err = r.String(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		if req.Value, err = r.String(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}

	case CmdPutEx:
		if req.Key, err = r.String(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		if req.Value, err = r.String(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		ttl, err := r.Uint64()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		req.TTLMillis = int64(ttl)

	case CmdSize, CmdClear, CmdPing, CmdQuit:
		// No payload beyond the command byte.

	default:
		return nil, 0, fmt.Errorf("%w: unknown command byte %d", ErrBadMessage, cmdByte)
	}

	return &req, consumed, nil
}

// DecodeBinaryResponse is the response-side twin of DecodeBinaryRequest.
func DecodeBinaryResponse(buf []byte) (*Response, int, error) {
	payload, consumed, err := completeFrame(buf)
	if payload == nil || err != nil {
		return nil, 0, err
	}

	r := binio.NewReaderAt(buf, frameHeaderSize, consumed)
	statusByte, err := r.Uint8()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	resp := Response{Status: Status(statusByte)}
	resp.CloseConnection = resp.Status == StatusBye
	if r.Remaining() > 0 {
		if resp.Data, err = r.String(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
	}

	return &resp, consumed, nil
}

// HasCompleteMessage reports whether buf starts with one whole frame.
func HasCompleteMessage(buf []byte) bool {
	payload, _, err := completeFrame(buf)
	return payload != nil || err != nil
}

// completeFrame returns the payload slice and total frame size when buf
// holds a whole frame, (nil, 0, nil) when more bytes are needed, and
// ErrBadMessage for a zero-length payload.
func completeFrame(buf []byte) ([]byte, int, error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, nil
	}
	r := binio.NewReader(buf)
	length, _ := r.Uint32()
	if len(buf) < frameHeaderSize+int(length) {
		return nil, 0, nil
	}
	if length == 0 {
		return nil, 0, fmt.Errorf("%w: empty payload", ErrBadMessage)
	}
	return buf[frameHeaderSize : frameHeaderSize+int(length)], frameHeaderSize + int(length), nil
}
