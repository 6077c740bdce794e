package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// gpt2Pattern is the split pattern of the ByteLevel pre-tokenizer.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// trailingSpaceAlt is the one lookahead construct found in common byte-level
// patterns. RE2 has no lookahead, so it is handled by hand in split.
const trailingSpaceAlt = `\s+(?!\S)`

// spaceClass is Unicode White_Space, the same set unicode.IsSpace reports.
// RE2's \s covers ASCII only.
const spaceClass = `\s\v\x{85}\p{Z}`

// splitter cuts text into pre-tokens. A pattern containing trailingSpaceAlt
// as a top-level alternative is compiled as the alternatives before it
// (head) and after it (tail); the lookahead alternative itself is evaluated
// between the two so that alternation order is preserved.
type splitter struct {
	head        *regexp.Regexp
	tail        *regexp.Regexp
	lookahead   bool
	prefixSpace bool
}

func newSplitter(pattern string, prefixSpace bool) (*splitter, error) {
	s := &splitter{prefixSpace: prefixSpace}
	if pattern == "" {
		return s, nil
	}
	head, tail := pattern, ""
	if i := strings.Index(pattern, trailingSpaceAlt); i >= 0 {
		head = strings.TrimSuffix(pattern[:i], "|")
		tail = strings.TrimPrefix(pattern[i+len(trailingSpaceAlt):], "|")
		s.lookahead = true
	}
	var err error
	if head != "" {
		if s.head, err = regexp.Compile(`^(?:` + unicodeSpaces(head) + `)`); err != nil {
			return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
		}
	}
	if tail != "" {
		if s.tail, err = regexp.Compile(`^(?:` + unicodeSpaces(tail) + `)`); err != nil {
			return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
		}
	}
	return s, nil
}

// unicodeSpaces rewrites \s and \S so they match spaceClass, inside and
// outside bracket expressions.
func unicodeSpaces(pattern string) string {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			switch next := pattern[i]; {
			case next == 's' && inClass:
				b.WriteString(spaceClass)
			case next == 's':
				b.WriteString("[" + spaceClass + "]")
			case next == 'S' && !inClass:
				b.WriteString("[^" + spaceClass + "]")
			default:
				b.WriteByte(c)
				b.WriteByte(next)
			}
			continue
		case c == '[' && !inClass:
			inClass = true
			b.WriteByte(c)
			// A leading ] (after an optional ^) is a literal.
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				i++
				b.WriteByte('^')
			}
			if i+1 < len(pattern) && pattern[i+1] == ']' {
				i++
				b.WriteByte(']')
			}
			continue
		case c == '[' && inClass && strings.HasPrefix(pattern[i:], "[:"):
			if end := strings.Index(pattern[i:], ":]"); end >= 0 {
				b.WriteString(pattern[i : i+end+2])
				i += end + 1
				continue
			}
		case c == ']' && inClass:
			inClass = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (s *splitter) split(text string) []string {
	if s.prefixSpace && text != "" && !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	if s.head == nil && s.tail == nil && !s.lookahead {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var out []string
	for pos := 0; pos < len(text); {
		n := s.matchAt(text[pos:])
		out = append(out, text[pos:pos+n])
		pos += n
	}
	return out
}

// matchAt returns the byte length of the pre-token starting at rest. It is
// always at least one rune so the scan makes progress.
func (s *splitter) matchAt(rest string) int {
	if s.head != nil {
		if loc := s.head.FindStringIndex(rest); loc != nil && loc[1] > 0 {
			return loc[1]
		}
	}
	if s.lookahead {
		run := spaceRun(rest)
		if run == len(rest) && run > 0 {
			return run
		}
		if run > 0 {
			_, last := utf8.DecodeLastRuneInString(rest[:run])
			if run > last {
				return run - last
			}
		}
	}
	if s.tail != nil {
		if loc := s.tail.FindStringIndex(rest); loc != nil && loc[1] > 0 {
			return loc[1]
		}
	}
	_, size := utf8.DecodeRuneInString(rest)
	return size
}

func spaceRun(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			break
		}
		n += utf8.RuneLen(r)
	}
	return n
}
