// Package binio implements the fixed-width integer and length-prefixed
// string codecs shared by the WAL, the snapshot, the disk store, and the
// binary wire protocol. All integers are big-endian. Strings are a uint32
// length followed by that many raw bytes.
package binio

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrBufferUnderflow is returned by Reader when a read would pass the end
// of the buffer.
var ErrBufferUnderflow = errors.New("buffer underflow")

// Stream side: files and sockets.

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

func WriteString(w io.Writer, s []byte) error {
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write(s)
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

func ReadString(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(r, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Buffer side: the binary protocol builds frames in memory before writing
// them to the socket, and parses them incrementally out of a read buffer.

func AppendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func AppendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func AppendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func AppendInt64(buf []byte, v int64) []byte {
	return AppendUint64(buf, uint64(v))
}

func AppendString(buf []byte, s []byte) []byte {
	buf = AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Reader is a cursor over a byte slice, bounded by an explicit limit so a
// frame can be parsed out of a larger buffer without slicing it first.
type Reader struct {
	data []byte
	off  int
	max  int
}

// NewReader bounds the cursor to the whole slice.
func NewReader(data []byte) *Reader {
	return &Reader{data: data, max: len(data)}
}

// NewReaderAt starts the cursor at off and refuses to read past max.
func NewReaderAt(data []byte, off, max int) *Reader {
	if max > len(data) {
		max = len(data)
	}
	return &Reader{data: data, off: off, max: max}
}

// Offset reports the cursor position.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining reports the bytes left before the limit.
func (r *Reader) Remaining() int {
	return r.max - r.off
}

func (r *Reader) Uint8() (uint8, error) {
	if r.off+1 > r.max {
		return 0, ErrBufferUnderflow
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.off+4 > r.max {
		return 0, ErrBufferUnderflow
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if r.off+8 > r.max {
		return 0, ErrBufferUnderflow
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *Reader) String() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > r.max {
		return nil, ErrBufferUnderflow
	}
	s := make([]byte, n)
	copy(s, r.data[r.off:])
	r.off += int(n)
	return s, nil
}
