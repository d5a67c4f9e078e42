package wire

// Reassembler turns a stream of arbitrary TCP byte chunks into complete
// D4 frames. It holds exactly one byte buffer per connection and is not
// safe for concurrent use by more than one goroutine — the contract from
// spec.md §5 is that frames from one connection are never processed
// concurrently, so a Reassembler belongs to a single connection goroutine.
type Reassembler struct {
	buf []byte
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends chunk to any buffered remainder and extracts as many
// complete frames as are fully present, left to right. The rules, applied
// in order, are:
//
//  1. Fewer than HeaderSize bytes available: the remainder becomes the new
//     buffer, stop.
//  2. A full header decodes and declaredTotal == available: emit one frame,
//     empty the buffer.
//  3. declaredTotal < available: emit one frame of exactly that length,
//     recurse on the remainder.
//  4. declaredTotal > available: keep all available bytes as the new
//     buffer, stop.
//
// Feed never emits a frame whose declared size is not fully present in
// the bytes it has seen.
func (r *Reassembler) Feed(chunk []byte) [][]byte {
	var combined []byte
	if len(r.buf) > 0 {
		combined = append(r.buf, chunk...)
		r.buf = nil
	} else {
		combined = chunk
	}

	var frames [][]byte
	for {
		available := len(combined)
		if available < HeaderSize {
			r.buf = append([]byte(nil), combined...)
			return frames
		}

		h, err := Decode(combined)
		if err != nil {
			// Unreachable given the length check above, but keep the
			// buffer rather than drop bytes on a decode error.
			r.buf = append([]byte(nil), combined...)
			return frames
		}

		declaredTotal := HeaderSize + int(h.Size)
		switch {
		case declaredTotal == available:
			frames = append(frames, combined)
			return frames
		case declaredTotal < available:
			frames = append(frames, combined[:declaredTotal])
			combined = combined[declaredTotal:]
			continue
		default: // declaredTotal > available
			r.buf = append([]byte(nil), combined...)
			return frames
		}
	}
}

// Reset discards any buffered partial frame. Called on idle timeout
// (spec.md §4.2/§5): the connection stays open, only the half-received
// frame is thrown away.
func (r *Reassembler) Reset() {
	r.buf = nil
}

// Buffered returns the number of bytes currently held pending more data.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}
