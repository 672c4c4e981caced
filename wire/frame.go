package wire

import (
	"bytes"
)

// Frame markers. The extended header variant is rewritten to canonical
// form before the codec sees the frame.
var (
	StartCanonical = []byte{0x78, 0x78}
	StartExtended  = []byte{0x79, 0x79}
	Terminator     = []byte{0x0d, 0x0a}
)

// Marking describes one recognized frame variant.
type Marking struct {
	Name  string
	Start []byte
	End   []byte
}

func DefaultMarkings() []Marking {
	return []Marking{
		{Name: "standard", Start: StartCanonical, End: Terminator},
		{Name: "extended", Start: StartExtended, End: Terminator},
	}
}

// Splitter accumulates raw transport chunks and yields complete frames.
// Not safe for concurrent use; each connection owns one.
type Splitter struct {
	markings []Marking
	buf      bytes.Buffer
	max      int
}

const DefaultFrameLimit = 4 << 10

func NewSplitter(markings []Marking, max int) *Splitter {
	if len(markings) == 0 {
		markings = DefaultMarkings()
	}
	if max == 0 {
		max = DefaultFrameLimit
	}
	return &Splitter{markings: markings, max: max}
}

// Feed appends chunk and returns all complete frames found so far, start
// markers rewritten to canonical form. Bytes before a recognized start
// marker are dropped silently. Incomplete tail stays buffered.
func (s *Splitter) Feed(chunk []byte) [][]byte {
	s.buf.Write(chunk)
	var out [][]byte
	for {
		f, ok := s.next()
		if !ok {
			break
		}
		out = append(out, f)
	}
	return out
}

func (s *Splitter) next() ([]byte, bool) {
	b := s.buf.Bytes()
	start, m := s.findStart(b)
	if m == nil {
		// keep at most one byte, it may be the first half of a marker
		s.trimTo(len(b) - 1)
		return nil, false
	}
	b = b[start:]
	endAt := bytes.Index(b[len(m.Start):], m.End)
	if endAt < 0 {
		s.trimTo(start)
		if s.buf.Len() > s.max {
			s.buf.Reset()
		}
		return nil, false
	}
	frameLen := len(m.Start) + endAt + len(m.End)
	frame := make([]byte, frameLen)
	copy(frame, b[:frameLen])
	copy(frame, StartCanonical)
	s.trimTo(start + frameLen)
	return frame, true
}

func (s *Splitter) findStart(b []byte) (int, *Marking) {
	best := -1
	var bm *Marking
	for i := range s.markings {
		m := &s.markings[i]
		if at := bytes.Index(b, m.Start); at >= 0 && (best < 0 || at < best) {
			best, bm = at, m
		}
	}
	return best, bm
}

// trimTo discards n leading bytes of the buffer.
func (s *Splitter) trimTo(n int) {
	if n <= 0 {
		return
	}
	b := s.buf.Bytes()
	if n >= len(b) {
		s.buf.Reset()
		return
	}
	rest := make([]byte, len(b)-n)
	copy(rest, b[n:])
	s.buf.Reset()
	s.buf.Write(rest)
}
