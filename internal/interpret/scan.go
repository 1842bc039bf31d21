package interpret

import (
	"regexp"
	"strings"
)

// functionKey anchors the unfenced scan on a "function" object key.
var functionKey = regexp.MustCompile(`"function"\s*:`)

// maxEnclosing bounds how many enclosing objects are tried per anchor
// before giving up on it.
const maxEnclosing = 3

type span struct{ start, end int } // end is exclusive

// extractUnfenced finds bare JSON objects containing a "function" key.
// For each anchor it walks back to the nearest unmatched '{' and scans
// forward, brace-balanced, to the matching '}'. If that object is not a
// call, the next enclosing object is tried.
func extractUnfenced(text string) ([]Call, string, bool) {
	anchors := functionKey.FindAllStringIndex(text, -1)
	if len(anchors) == 0 {
		return nil, text, false
	}

	var calls []Call
	var spans []span
	for _, a := range anchors {
		if covered(spans, a[0]) {
			continue
		}
		pos := a[0]
		for tries := 0; tries < maxEnclosing; tries++ {
			start := openingBrace(text, pos)
			if start < 0 {
				break
			}
			end := closingBrace(text, start)
			if end < 0 || overlaps(spans, start, end) {
				break
			}
			if found := decodeBlock(text[start:end]); len(found) > 0 {
				calls = append(calls, found...)
				spans = append(spans, span{start, end})
				break
			}
			pos = start
		}
	}
	if len(calls) == 0 {
		return nil, text, false
	}

	var leftover strings.Builder
	last := 0
	for _, s := range spans {
		leftover.WriteString(text[last:s.start])
		last = s.end
	}
	leftover.WriteString(text[last:])

	// A bare array of calls leaves only its punctuation behind.
	rest := leftover.String()
	if strings.Trim(rest, " \t\r\n[],") == "" {
		rest = ""
	}
	return calls, rest, true
}

func overlaps(spans []span, start, end int) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

func covered(spans []span, i int) bool {
	for _, s := range spans {
		if i >= s.start && i < s.end {
			return true
		}
	}
	return false
}

// openingBrace returns the index of the nearest '{' before pos that is
// not closed before pos, or -1.
func openingBrace(text string, pos int) int {
	depth := 0
	for i := pos - 1; i >= 0; i-- {
		switch text[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// closingBrace returns the index just past the '}' matching the '{' at
// start, honouring JSON string literals and escapes, or -1.
func closingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
