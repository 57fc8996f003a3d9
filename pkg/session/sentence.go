package session

import "regexp"

// sentenceBoundary matches one or more terminal punctuation characters
// followed by optional whitespace — the same simple rule
// original_source/src/brain.py uses, kept deliberately simple per
// spec.md's design notes rather than a full NLP sentence tokenizer.
var sentenceBoundary = regexp.MustCompile(`([.!?]+)\s*`)

// SentenceSplitter consumes an LLM's incremental token deltas and emits
// complete, trimmed, non-empty sentences as soon as a boundary appears.
// It is provider-agnostic: every LLMProvider's StreamComplete feeds the
// same instance through Feed, so segmentation logic is written once
// rather than duplicated per provider (SPEC_FULL.md §D).
type SentenceSplitter struct {
	buf string
}

// Feed appends a token delta and returns any complete sentences it
// produced, in order.
func (s *SentenceSplitter) Feed(delta string) []string {
	s.buf += delta
	var out []string
	for {
		loc := sentenceBoundary.FindStringIndex(s.buf)
		if loc == nil {
			break
		}
		sentence := s.buf[:loc[1]]
		s.buf = s.buf[loc[1]:]
		trimmed := trimSentence(sentence)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Flush returns any trailing partial sentence left in the buffer once
// the stream has ended, and clears the buffer.
func (s *SentenceSplitter) Flush() string {
	trimmed := trimSentence(s.buf)
	s.buf = ""
	return trimmed
}

func trimSentence(s string) string {
	start := 0
	end := len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
