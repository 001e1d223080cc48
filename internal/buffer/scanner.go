// Package buffer implements LIME's envelope framing: splitting a byte
// stream of concatenated JSON objects into individual envelope documents
// without a length prefix, per spec.md §4.B.
//
// Framing is done by counting '{'/'}' nesting depth while tracking whether
// the scanner is inside a JSON string (and whether the next string byte is
// escaped), the same token-depth-tracking idea the teacher's
// internal/stream.Reader uses to recognize stream-level boundaries in an
// XML token stream, rebased here onto raw bytes and JSON brace depth
// instead of XML elements.
package buffer

import (
	"errors"
	"io"
)

// DefaultSize is the scan buffer's capacity when NewScanner is given a size
// of 0 or less. spec.md §4.B names 8192 bytes as the default.
const DefaultSize = 8192

// ErrBufferOverflow is returned by Next when a single envelope document
// doesn't fit in the configured buffer capacity. Whitespace between
// documents is discarded on compaction and never causes it.
var ErrBufferOverflow = errors.New("buffer: envelope exceeds buffer capacity")

// ErrSerialization is returned by Next when a byte other than whitespace or
// '{' appears between envelopes. spec.md §9 resolves this explicitly:
// unlike implementations that silently skip unrecognized bytes at the top
// level, this scanner treats them as a framing error.
var ErrSerialization = errors.New("buffer: unexpected byte between envelopes")

// Scanner reads a byte stream and yields one complete JSON document per
// call to Next, using a single fixed-capacity buffer that is compacted in
// place as documents are consumed. It keeps no history of consumed bytes,
// so a Scanner should not be shared across goroutines.
type Scanner struct {
	r   io.Reader
	buf []byte // buf[:len(buf)] holds unscanned + in-progress data, cap(buf) is fixed

	pos      int // next unscanned byte in buf
	docStart int // offset of the current candidate document's '{', or -1

	depth    int
	inString bool
	escaped  bool
}

// NewScanner returns a Scanner reading from r with the given buffer
// capacity. A size of 0 selects DefaultSize.
func NewScanner(r io.Reader, size int) *Scanner {
	if size <= 0 {
		size = DefaultSize
	}
	return &Scanner{
		r:        r,
		buf:      make([]byte, 0, size),
		docStart: -1,
	}
}

// Next returns the next complete envelope document's raw JSON bytes. The
// returned slice is only valid until the next call to Next, as it may
// point into the Scanner's internal buffer; callers that need to retain it
// must copy.
func (s *Scanner) Next() ([]byte, error) {
	for {
		doc, ok, err := s.scan()
		if err != nil {
			return nil, err
		}
		if ok {
			return doc, nil
		}

		if len(s.buf) == cap(s.buf) {
			if !s.compact() {
				return nil, ErrBufferOverflow
			}
		}

		n, err := s.r.Read(s.buf[len(s.buf):cap(s.buf)])
		if n > 0 {
			s.buf = s.buf[:len(s.buf)+n]
		}
		if n == 0 && err != nil {
			return nil, err
		}
	}
}

// scan advances s.pos through the unscanned portion of s.buf, tracking
// brace depth and string state, and reports a complete document when depth
// returns to zero after having gone positive.
func (s *Scanner) scan() (doc []byte, ok bool, err error) {
	for ; s.pos < len(s.buf); s.pos++ {
		b := s.buf[s.pos]

		if s.docStart < 0 {
			switch b {
			case ' ', '\t', '\r', '\n':
				continue
			case '{':
				s.docStart = s.pos
				s.depth = 0
			default:
				return nil, false, ErrSerialization
			}
		}

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inString = false
			}
			continue
		}

		switch b {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				doc = s.buf[s.docStart : s.pos+1]
				s.pos++
				s.docStart = -1
				return doc, true, nil
			}
		}
	}
	return nil, false, nil
}

// compact discards bytes that can no longer be part of a future document
// (everything strictly before the current document's start, or before the
// scan cursor if no document has started yet), shifting the rest to the
// front of the buffer to make room for more reads. It reports false if
// nothing could be discarded, meaning the buffer is genuinely full of a
// single in-progress document.
func (s *Scanner) compact() bool {
	cut := s.pos
	if s.docStart >= 0 {
		cut = s.docStart
	}
	if cut == 0 {
		return false
	}
	s.buf = append(s.buf[:0], s.buf[cut:]...)
	s.pos -= cut
	if s.docStart >= 0 {
		s.docStart -= cut
	}
	return true
}
