// Package bytepacket implements a fixed-size, position-tracked big-endian
// read/write buffer. The origin server builds its server-to-client metadata
// packet with it; the association handshake and the TCP-emulation frame
// header are encoded directly by transport/tcpemu.
package bytepacket

import (
	"encoding/binary"

	surgeerrors "github.com/omalloc/surge/pkg/errors"
)

// BytePacket is a position-tracked byte buffer. Reads and writes advance the
// cursor; any operation that would step past buffer boundaries returns
// ErrEndOfBuffer instead of panicking.
type BytePacket struct {
	buffer []byte
	cursor int
}

// New allocates a packet backed by a zeroed buffer of the given size.
func New(size int) *BytePacket {
	return &BytePacket{buffer: make([]byte, size)}
}

// From wraps an existing byte slice without copying.
func From(b []byte) *BytePacket {
	return &BytePacket{buffer: b}
}

// Seek clamps pos into [0, len(buffer)] and sets the cursor there.
func (p *BytePacket) Seek(pos int) {
	p.cursor = clamp(pos, 0, len(p.buffer))
}

// Step clamps the cursor advance by n (n may be negative).
func (p *BytePacket) Step(n int) {
	p.cursor = clamp(p.cursor+n, 0, len(p.buffer))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func endOfBuffer() error {
	return surgeerrors.New(surgeerrors.KindEndOfBuffer)
}

func (p *BytePacket) need(n int) error {
	if p.cursor+n > len(p.buffer) {
		return endOfBuffer()
	}
	return nil
}

func (p *BytePacket) ReadU8() (uint8, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.buffer[p.cursor]
	p.cursor++
	return v, nil
}

func (p *BytePacket) ReadU16() (uint16, error) {
	if err := p.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(p.buffer[p.cursor:])
	p.cursor += 2
	return v, nil
}

func (p *BytePacket) ReadU32() (uint32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(p.buffer[p.cursor:])
	p.cursor += 4
	return v, nil
}

func (p *BytePacket) ReadU64() (uint64, error) {
	if err := p.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(p.buffer[p.cursor:])
	p.cursor += 8
	return v, nil
}

// ReadBuffer reads exactly n bytes and returns a copy.
func (p *BytePacket) ReadBuffer(n int) ([]byte, error) {
	if err := p.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.buffer[p.cursor:p.cursor+n])
	p.cursor += n
	return out, nil
}

// ReadRemaining returns a copy of everything from the cursor to the end.
func (p *BytePacket) ReadRemaining() []byte {
	out := make([]byte, len(p.buffer)-p.cursor)
	copy(out, p.buffer[p.cursor:])
	p.cursor = len(p.buffer)
	return out
}

func (p *BytePacket) WriteU8(v uint8) error {
	if err := p.need(1); err != nil {
		return err
	}
	p.buffer[p.cursor] = v
	p.cursor++
	return nil
}

func (p *BytePacket) WriteU16(v uint16) error {
	if err := p.need(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(p.buffer[p.cursor:], v)
	p.cursor += 2
	return nil
}

func (p *BytePacket) WriteU32(v uint32) error {
	if err := p.need(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.buffer[p.cursor:], v)
	p.cursor += 4
	return nil
}

func (p *BytePacket) WriteU64(v uint64) error {
	if err := p.need(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p.buffer[p.cursor:], v)
	p.cursor += 8
	return nil
}

func (p *BytePacket) WriteUsize(v int) error {
	return p.WriteU64(uint64(v))
}

// WriteBuffer copies src into the packet at the cursor. On overflow it
// returns ErrEndOfBuffer without partially writing; src must not overlap
// the packet's own backing array.
func (p *BytePacket) WriteBuffer(src []byte) error {
	if err := p.need(len(src)); err != nil {
		return err
	}
	copy(p.buffer[p.cursor:], src)
	p.cursor += len(src)
	return nil
}

// GetBuffer returns the full backing buffer (not a copy).
func (p *BytePacket) GetBuffer() []byte {
	return p.buffer
}

func (p *BytePacket) Cursor() int {
	return p.cursor
}

func (p *BytePacket) Len() int {
	return len(p.buffer)
}
