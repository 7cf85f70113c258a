// Package chunkbuf implements a cross-segment byte buffer that supports
// peeking and discarding without copying, used to receive peer wire bytes
// and to route PIECE payloads directly into piece storage.
package chunkbuf

import (
	"encoding/binary"

	list "github.com/bahlo/generic-list-go"
)

// Buffer is a queue of byte segments with an offset into the head segment
// already consumed. It never copies a pushed segment; callers that need an
// owned copy must use PeekBytes or CopyOut.
type Buffer struct {
	segments   *list.List[[]byte]
	headOffset int
	length     uint64
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{segments: list.New[[]byte]()}
}

// Push appends a segment without copying it.
func (b *Buffer) Push(segment []byte) {
	if len(segment) == 0 {
		return
	}
	b.segments.PushBack(segment)
	b.length += uint64(len(segment))
}

// Length returns the number of unconsumed bytes.
func (b *Buffer) Length() uint64 { return b.length }

// PeekByte returns the byte at offset from the current head, or false if the
// buffer doesn't have that many bytes.
func (b *Buffer) PeekByte(offset uint64) (byte, bool) {
	if offset >= b.length {
		return 0, false
	}
	pos := offset + uint64(b.headOffset)
	for e := b.segments.Front(); e != nil; e = e.Next() {
		seg := e.Value
		if pos < uint64(len(seg)) {
			return seg[pos], true
		}
		pos -= uint64(len(seg))
	}
	return 0, false
}

// PeekU32BE reads a big-endian uint32 at offset. It takes an allocation-free
// fast path when all four bytes lie within a single segment, and falls back
// to a byte-at-a-time crossing otherwise.
func (b *Buffer) PeekU32BE(offset uint64) (uint32, bool) {
	if offset+4 > b.length {
		return 0, false
	}
	pos := offset + uint64(b.headOffset)
	for e := b.segments.Front(); e != nil; e = e.Next() {
		seg := e.Value
		segLen := uint64(len(seg))
		if pos < segLen {
			if pos+4 <= segLen {
				return binary.BigEndian.Uint32(seg[pos : pos+4]), true
			}
			break
		}
		pos -= segLen
	}
	var bs [4]byte
	for i := range bs {
		v, ok := b.PeekByte(offset + uint64(i))
		if !ok {
			return 0, false
		}
		bs[i] = v
	}
	return binary.BigEndian.Uint32(bs[:]), true
}

// PeekBytes allocates and returns len bytes starting at offset, crossing
// segment boundaries as needed. Returns false if the buffer is shorter.
func (b *Buffer) PeekBytes(offset, n uint64) ([]byte, bool) {
	if offset+n > b.length {
		return nil, false
	}
	out := make([]byte, n)
	if !b.CopyOut(offset, n, out) {
		return nil, false
	}
	return out, true
}

// CopyOut copies n bytes starting at offset into dst, which must have
// length >= n. This is the only copy on the receive path: the destination
// is normally a piece's block staging area.
func (b *Buffer) CopyOut(offset, n uint64, dst []byte) bool {
	if offset+n > b.length || uint64(len(dst)) < n {
		return false
	}
	pos := offset + uint64(b.headOffset)
	remaining := n
	written := uint64(0)
	for e := b.segments.Front(); e != nil && remaining > 0; e = e.Next() {
		seg := e.Value
		segLen := uint64(len(seg))
		if pos >= segLen {
			pos -= segLen
			continue
		}
		avail := segLen - pos
		take := avail
		if take > remaining {
			take = remaining
		}
		copy(dst[written:written+take], seg[pos:pos+take])
		written += take
		remaining -= take
		pos = 0
	}
	return remaining == 0
}

// Discard advances the consumed-prefix cursor by n bytes, dropping any
// segment that becomes fully consumed.
func (b *Buffer) Discard(n uint64) {
	if n > b.length {
		panic("chunkbuf: discard beyond buffer length")
	}
	b.length -= n
	for n > 0 {
		e := b.segments.Front()
		seg := e.Value
		remaining := uint64(len(seg)) - uint64(b.headOffset)
		if n < remaining {
			b.headOffset += int(n)
			return
		}
		n -= remaining
		b.segments.Remove(e)
		b.headOffset = 0
	}
}
