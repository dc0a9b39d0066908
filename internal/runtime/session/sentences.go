package session

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceSplitter cuts streamed response text into speakable segments so
// synthesis can start before reasoning finishes. Each Push scans only the
// runes that arrived since the last call.
type sentenceSplitter struct {
	pending   []rune
	scanned   int
	lastSpace int
	minRunes  int
	maxRunes  int
}

// newSentenceSplitter builds a splitter. maxRunes <= 0 leaves segment length
// unbounded.
func newSentenceSplitter(minRunes, maxRunes int) *sentenceSplitter {
	if minRunes < 1 {
		minRunes = 12
	}
	return &sentenceSplitter{lastSpace: -1, minRunes: minRunes, maxRunes: maxRunes}
}

// Push appends text and returns every complete segment. A segment ends at
// sentence punctuation followed by whitespace, or at a newline, once it is
// at least minRunes long. Text without a boundary is cut at the last space
// before maxRunes, or at maxRunes when there is none.
func (s *sentenceSplitter) Push(text string) []string {
	s.pending = append(s.pending, []rune(text)...)

	var out []string
	emit := func(from, to int) {
		if segment := strings.TrimSpace(string(s.pending[from:to])); segment != "" {
			out = append(out, segment)
		}
	}
	start, lastSpace := 0, s.lastSpace
	i := s.scanned
	for ; i < len(s.pending); i++ {
		r := s.pending[i]
		if isTerminal(r) && i+1 == len(s.pending) {
			// the next rune decides
			break
		}
		if r == '\n' || (isTerminal(r) && unicode.IsSpace(s.pending[i+1])) {
			if r == '\n' || s.segmentRunes(start, i+1) >= s.minRunes {
				emit(start, i+1)
				start, lastSpace = i+1, -1
				continue
			}
		}
		if unicode.IsSpace(r) {
			lastSpace = i
		}
		if s.maxRunes > 0 && i+1-start >= s.maxRunes {
			cut := i + 1
			if lastSpace > start {
				cut = lastSpace
			}
			emit(start, cut)
			start, lastSpace = cut, -1
		}
	}

	if start > 0 {
		s.pending = append(s.pending[:0], s.pending[start:]...)
		i -= start
		if lastSpace >= 0 {
			lastSpace -= start
		}
	}
	s.scanned = i
	s.lastSpace = lastSpace
	return out
}

func (s *sentenceSplitter) segmentRunes(from, to int) int {
	return utf8.RuneCountInString(strings.TrimSpace(string(s.pending[from:to])))
}

// Flush returns whatever text remains.
func (s *sentenceSplitter) Flush() string {
	rest := strings.TrimSpace(string(s.pending))
	s.pending = s.pending[:0]
	s.scanned = 0
	s.lastSpace = -1
	return rest
}

// splitText cuts complete text the same way streamed text is cut.
func splitText(text string, minRunes, maxRunes int) []string {
	s := newSentenceSplitter(minRunes, maxRunes)
	segments := s.Push(text)
	if rest := s.Flush(); rest != "" {
		segments = append(segments, rest)
	}
	return segments
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。', '！', '？':
		return true
	default:
		return false
	}
}
