package stream

import (
	"bytes"
	"fmt"
	"sort"
)

// chunk is one received (offset, data) span awaiting reassembly.
type chunk struct {
	offset uint64
	data   []byte
}

func (c chunk) end() uint64 { return c.offset + uint64(len(c.data)) }

// offsetReassembler sorts incoming (offset, bytes) chunks and exposes the
// contiguous prefix starting at readOffset. It is used by Stream for
// inbound data and is safe for a single goroutine (callers must hold their
// own lock; Stream does).
type offsetReassembler struct {
	chunks     []chunk // sorted ascending by offset, no two overlapping once merged
	readOffset uint64
	endOffset  int64 // -1 until known
	maxOffset  uint64
}

func newOffsetReassembler() *offsetReassembler {
	return &offsetReassembler{endOffset: -1}
}

// Push inserts data at offset in ascending-offset order. Duplicate offsets
// are idempotent; overlapping chunks must agree byte-for-byte on the
// overlapping region or Push returns a *StreamError(ErrProtocolViolation).
func (r *offsetReassembler) Push(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	newChunk := chunk{offset: offset, data: data}

	if newChunk.end() > r.maxOffset {
		r.maxOffset = newChunk.end()
	}

	// Find insertion point by offset.
	idx := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].offset >= offset
	})

	// Check overlap with predecessor.
	if idx > 0 {
		prev := r.chunks[idx-1]
		if prev.end() > offset {
			if err := checkOverlap(prev, newChunk); err != nil {
				return err
			}
			// Trim the already-covered prefix of the new chunk.
			overlap := prev.end() - offset
			if overlap >= uint64(len(newChunk.data)) {
				return nil // fully covered already
			}
			newChunk = chunk{offset: prev.end(), data: newChunk.data[overlap:]}
		}
	}

	// Check overlap with (and absorb into) successors.
	for idx < len(r.chunks) && r.chunks[idx].offset < newChunk.end() {
		succ := r.chunks[idx]
		if err := checkOverlap(newChunk, succ); err != nil {
			return err
		}
		if succ.end() <= newChunk.end() {
			// Successor fully covered by the new chunk; drop it.
			r.chunks = append(r.chunks[:idx], r.chunks[idx+1:]...)
			continue
		}
		// Partial overlap at the tail: trim newChunk to stop where succ begins.
		newChunk.data = newChunk.data[:succ.offset-newChunk.offset]
		break
	}

	if len(newChunk.data) == 0 {
		return nil
	}

	idx = sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].offset >= newChunk.offset
	})
	r.chunks = append(r.chunks, chunk{})
	copy(r.chunks[idx+1:], r.chunks[idx:])
	r.chunks[idx] = newChunk

	return nil
}

// checkOverlap verifies that the overlapping region of two chunks (a
// starting no later than b) agrees byte-for-byte.
func checkOverlap(a, b chunk) error {
	if b.offset >= a.end() {
		return nil
	}
	skip := b.offset - a.offset
	if skip >= uint64(len(a.data)) {
		return nil
	}
	overlapLen := a.end() - b.offset
	if overlapLen > uint64(len(b.data)) {
		overlapLen = uint64(len(b.data))
	}
	if !bytes.Equal(a.data[skip:skip+overlapLen], b.data[:overlapLen]) {
		return NewStreamError(ErrProtocolViolation, fmt.Sprintf(
			"overlapping data disagree at offset %d", b.offset+skip))
	}
	return nil
}

// Read returns the next contiguous chunk starting at readOffset and
// advances readOffset past it. Returns nil, false if no chunk is currently
// available at readOffset.
func (r *offsetReassembler) Read() ([]byte, bool) {
	if len(r.chunks) == 0 || r.chunks[0].offset != r.readOffset {
		return nil, false
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	r.readOffset += uint64(len(c.data))
	return c.data, true
}

// ByteLength returns the total number of bytes currently queued, whether or
// not contiguous with readOffset.
func (r *offsetReassembler) ByteLength() uint64 {
	var n uint64
	for _, c := range r.chunks {
		n += uint64(len(c.data))
	}
	return n
}

// SetEndOffset records the final byte offset of the stream, learned from a
// StreamClose frame carrying the last data offset sent.
func (r *offsetReassembler) SetEndOffset(end uint64) {
	r.endOffset = int64(end)
}

// EndOffset returns the final byte offset, or -1 if not yet known.
func (r *offsetReassembler) EndOffset() int64 {
	return r.endOffset
}

// MaxOffset returns the highest offset+length observed so far.
func (r *offsetReassembler) MaxOffset() uint64 {
	return r.maxOffset
}

// Done reports whether every byte up to the known end offset has been
// delivered via Read.
func (r *offsetReassembler) Done() bool {
	return r.endOffset >= 0 && r.readOffset >= uint64(r.endOffset)
}
