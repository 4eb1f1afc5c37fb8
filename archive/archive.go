// Package archive defines the byte-stream abstraction used to serialize
// event metadata, data descriptors and wire messages. The encoding is
// little-endian and position-based: readers must consume fields in the
// exact order writers produced them.
package archive

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Archive is a positional byte stream. Read fills p entirely or fails;
// partial reads are not part of the contract.
type Archive interface {
	Read(p []byte) error
	Write(p []byte) error
}

// Buffer is an in-memory Archive. The zero value is an empty archive ready
// for writing; NewBuffer wraps existing bytes for reading.
type Buffer struct {
	buf []byte
	off int
}

// NewBuffer returns a Buffer that reads from data. The slice is not copied.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{buf: data}
}

func (b *Buffer) Read(p []byte) error {
	if b.off+len(p) > len(b.buf) {
		return fmt.Errorf("archive: reading %d bytes past position %d of %d", len(p), b.off, len(b.buf))
	}
	copy(p, b.buf[b.off:])
	b.off += len(p)
	return nil
}

func (b *Buffer) Write(p []byte) error {
	b.buf = append(b.buf, p...)
	return nil
}

// Bytes returns the written contents.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.buf) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.buf) - b.off }

// WriteUint64 writes v as 8 little-endian bytes.
func WriteUint64(a Archive, v uint64) error {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return a.Write(tmp[:])
}

// ReadUint64 reads 8 little-endian bytes.
func ReadUint64(a Archive) (uint64, error) {
	var tmp [8]byte
	if err := a.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

// WriteUint16 writes v as 2 little-endian bytes.
func WriteUint16(a Archive, v uint16) error {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return a.Write(tmp[:])
}

// ReadUint16 reads 2 little-endian bytes.
func ReadUint16(a Archive) (uint16, error) {
	var tmp [2]byte
	if err := a.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(tmp[:]), nil
}

// WriteByte writes a single byte.
func WriteByte(a Archive, v byte) error {
	return a.Write([]byte{v})
}

// ReadByte reads a single byte.
func ReadByte(a Archive) (byte, error) {
	var tmp [1]byte
	if err := a.Read(tmp[:]); err != nil {
		return 0, err
	}
	return tmp[0], nil
}

// WriteBytes writes a u64 length prefix followed by p.
func WriteBytes(a Archive, p []byte) error {
	if err := WriteUint64(a, uint64(len(p))); err != nil {
		return err
	}
	return a.Write(p)
}

// ReadBytes reads a u64 length prefix and that many bytes.
func ReadBytes(a Archive) ([]byte, error) {
	n, err := ReadUint64(a)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("archive: unreasonable blob length %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	p := make([]byte, n)
	if err := a.Read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteString writes s with a u64 length prefix.
func WriteString(a Archive, s string) error {
	return WriteBytes(a, []byte(s))
}

// ReadString reads a u64-length-prefixed string.
func ReadString(a Archive) (string, error) {
	p, err := ReadBytes(a)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
