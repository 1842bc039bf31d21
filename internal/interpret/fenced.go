package interpret

import (
	"regexp"
	"strings"
)

// fencePattern matches ```json ... ``` and bare ``` ... ``` blocks.
var fencePattern = regexp.MustCompile("(?s)```[ \t]*(?:json|JSON)?[ \t]*\r?\n?(.*?)```")

// extractFenced pulls calls out of fenced code blocks. Fences whose
// body is not a call (ordinary code samples, malformed JSON) are left
// in the text untouched.
func extractFenced(text string) ([]Call, string, bool) {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text, false
	}

	var calls []Call
	var leftover strings.Builder
	last := 0
	for _, m := range matches {
		body := strings.TrimSpace(text[m[2]:m[3]])
		if !strings.HasPrefix(body, "{") && !strings.HasPrefix(body, "[") {
			continue
		}
		found := decodeBlock(body)
		if len(found) == 0 {
			continue
		}
		calls = append(calls, found...)
		leftover.WriteString(text[last:m[0]])
		last = m[1]
	}
	if len(calls) == 0 {
		return nil, text, false
	}
	leftover.WriteString(text[last:])
	return calls, leftover.String(), true
}
