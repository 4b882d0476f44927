package protocol

import (
	"strconv"
	"strings"
)

// Text codec: one LF-terminated line per request or response. Values
// containing newlines cannot be framed, and request decoding splits on
// whitespace, so a value's leading or trailing whitespace is dropped and
// inner runs of whitespace come back as single spaces; the binary codec
// exists for such values.

// EncodeTextRequest renders a request as a command line.
func EncodeTextRequest(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.Command.String())

	switch req.Command {
	case CmdGet, CmdDel, CmdExists:
		sb.WriteByte(' ')
		sb.Write(req.Key)
	case CmdPut:
		sb.WriteByte(' ')
		sb.Write(req.Key)
		sb.WriteByte(' ')
		sb.Write(req.Value)
	case CmdPutEx:
		sb.WriteByte(' ')
		sb.Write(req.Key)
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(req.TTLMillis, 10))
		sb.WriteByte(' ')
		sb.Write(req.Value)
	}

	sb.WriteByte('\n')
	return sb.String()
}

// EncodeTextResponse renders a response as a status line.
func EncodeTextResponse(resp Response) string {
	var sb strings.Builder

	switch resp.Status {
	case StatusOk:
		sb.WriteString("OK")
		if len(resp.Data) > 0 {
			sb.WriteByte(' ')
			sb.Write(resp.Data)
		}
	case StatusNotFound:
		sb.WriteString("NOT_FOUND")
	case StatusError:
		sb.WriteString("ERROR ")
		sb.Write(resp.Data)
	case StatusBye:
		sb.WriteString("BYE")
	}

	sb.WriteByte('\n')
	return sb.String()
}

// DecodeTextRequest parses one request line (without the trailing LF). A
// malformed line decodes to CmdUnknown rather than an error; the dispatcher
// answers those with ERROR.
func DecodeTextRequest(line string) Request {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{Command: CmdUnknown}
	}

	req := Request{Command: ParseCommand(fields[0])}
	args := fields[1:]

	switch req.Command {
	case CmdGet, CmdDel, CmdExists:
		if len(args) == 0 {
			req.Command = CmdUnknown
			return req
		}
		req.Key = []byte(args[0])

	case CmdPut:
		if len(args) < 2 {
			req.Command = CmdUnknown
			return req
		}
		req.Key = []byte(args[0])
		req.Value = []byte(strings.Join(args[1:], " "))

	case CmdPutEx:
		if len(args) < 3 {
			req.Command = CmdUnknown
			return req
		}
		req.Key = []byte(args[0])
		ttl, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			req.Command = CmdUnknown
			return req
		}
		req.TTLMillis = ttl
		req.Value = []byte(strings.Join(args[2:], " "))
	}

	return req
}

// DecodeTextResponse parses one response line (without the trailing LF).
func DecodeTextResponse(line string) Response {
	switch {
	case line == "OK":
		return Response{Status: StatusOk}
	case strings.HasPrefix(line, "OK "):
		return Response{Status: StatusOk, Data: []byte(line[3:])}
	case line == "NOT_FOUND":
		return Response{Status: StatusNotFound}
	case line == "ERROR":
		return Response{Status: StatusError}
	case strings.HasPrefix(line, "ERROR "):
		return Response{Status: StatusError, Data: []byte(line[6:])}
	case line == "BYE":
		return Response{Status: StatusBye, CloseConnection: true}
	default:
		return Response{Status: StatusError, Data: []byte("unknown response: " + line)}
	}
}

// ParseCommand maps a command token to its Command, accepting the aliases
// SET, SETEX, DELETE, REMOVE, CONTAINS, COUNT, and EXIT. Matching is
// case-insensitive.
func ParseCommand(token string) Command {
	switch strings.ToUpper(token) {
	case "GET":
		return CmdGet
	case "PUT", "SET":
		return CmdPut
	case "PUTEX", "SETEX":
		return CmdPutEx
	case "DEL", "DELETE", "REMOVE":
		return CmdDel
	case "EXISTS", "CONTAINS":
		return CmdExists
	case "SIZE", "COUNT":
		return CmdSize
	case "CLEAR":
		return CmdClear
	case "PING":
		return CmdPing
	case "QUIT", "EXIT":
		return CmdQuit
	default:
		return CmdUnknown
	}
}
