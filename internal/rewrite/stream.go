package rewrite

import (
	"bytes"
	"io"
)

const (
	// SoftLimit is the buffered size past which the stream stops waiting for
	// a newline and splits after the last non-hostname byte instead.
	SoftLimit = 8 << 10

	readChunk = 32 << 10
)

// Stream is the rewrite state machine for a chunked body. It holds back the
// tail of the input that could still be the start of a hostname and emits
// everything before the last safe split point.
type Stream struct {
	r          *Replacer
	buf        []byte
	atBoundary bool // buf[0] follows a boundary byte (or starts the body)
}

// NewStream creates a Stream positioned at the start of a body.
func NewStream(r *Replacer) *Stream {
	return &Stream{r: r, atBoundary: true}
}

// OnChunk consumes p and appends the rewritten output that is safe to emit
// to dst.
func (s *Stream) OnChunk(dst, p []byte) []byte {
	s.buf = append(s.buf, p...)

	split, forced := s.splitPoint()
	if split == 0 {
		return dst
	}

	// Unforced splits land just after a non-hostname byte, so no match can
	// touch the right edge of the emitted segment.
	dst = s.r.Append(dst, s.buf[:split], s.atBoundary, !forced)
	n := copy(s.buf, s.buf[split:])
	s.buf = s.buf[:n]
	s.atBoundary = !forced
	return dst
}

// OnEnd flushes whatever is still buffered.
func (s *Stream) OnEnd(dst []byte) []byte {
	dst = s.r.Append(dst, s.buf, s.atBoundary, true)
	s.buf = s.buf[:0]
	s.atBoundary = true
	return dst
}

// Buffered returns the number of bytes held back.
func (s *Stream) Buffered() int {
	return len(s.buf)
}

// splitPoint picks how many leading bytes of buf can be emitted: through the
// last newline if there is one; otherwise, once past SoftLimit, through the
// last non-hostname byte; otherwise, when the held-back tail would itself
// reach SoftLimit, everything (forced).
func (s *Stream) splitPoint() (split int, forced bool) {
	if i := bytes.LastIndexByte(s.buf, '\n'); i >= 0 {
		return i + 1, false
	}
	if len(s.buf) < SoftLimit {
		return 0, false
	}
	for i := len(s.buf) - 1; i >= 0; i-- {
		if !IsHostByte(s.buf[i]) {
			if len(s.buf)-(i+1) < SoftLimit {
				return i + 1, false
			}
			break
		}
	}
	return len(s.buf), true
}

// Reader rewrites a body as it is read. It reads from the source only when
// its own caller reads, so a slow client slows the upstream transfer instead
// of growing a buffer.
type Reader struct {
	src    io.ReadCloser
	stream *Stream
	chunk  []byte
	out    []byte
	off    int
	err    error
}

// NewReader wraps src, replacing whole-word occurrences of from with to.
func NewReader(src io.ReadCloser, from, to string) *Reader {
	return &Reader{
		src:    src,
		stream: NewStream(NewReplacer(from, to)),
		chunk:  make([]byte, readChunk),
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.off >= len(r.out) {
		if r.err != nil {
			return 0, r.err
		}
		r.out = r.out[:0]
		r.off = 0

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.out = r.stream.OnChunk(r.out, r.chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				r.out = r.stream.OnEnd(r.out)
			}
			r.err = err
		}
	}

	n := copy(p, r.out[r.off:])
	r.off += n
	return n, nil
}

// Close closes the source body.
func (r *Reader) Close() error {
	return r.src.Close()
}
