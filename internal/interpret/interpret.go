// Package interpret extracts function-call directives and final answer
// text from raw model output.
//
// Models emit calls in several loosely followed conventions, and often
// get them wrong. Interpret tries a fixed chain of extraction
// strategies and returns the result of the first one that recognises
// anything. It never fails: output that matches no strategy (or that
// trips a bug in one) is returned unchanged as final text.
package interpret

import (
	"regexp"
	"strings"
)

// Call is a single function invocation requested by the model.
type Call struct {
	Name      string         `json:"function"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the interpretation of one model response.
type Result struct {
	// Text is the response with every extracted call removed.
	Text string
	// Calls are in the order they appear in the response.
	Calls []Call
}

// HasCalls reports whether the response requested any function calls.
func (r Result) HasCalls() bool {
	return len(r.Calls) > 0
}

// strategy attempts one extraction convention. ok reports whether the
// convention was recognised; when it is, calls and leftover are final.
type strategy struct {
	name    string
	extract func(text string) (calls []Call, leftover string, ok bool)
}

// chain is tried in order; the first strategy reporting ok wins.
var chain = []strategy{
	{name: "fenced", extract: extractFenced},
	{name: "scan", extract: extractUnfenced},
	{name: "channel", extract: extractChannels},
}

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Interpret parses raw model output. It is a pure function of its
// input, so calling it twice on the same text yields the same result.
func Interpret(raw string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Text: raw}
		}
	}()

	text := thinkPattern.ReplaceAllString(raw, "")

	for _, s := range chain {
		calls, leftover, ok := s.extract(text)
		if ok {
			return Result{Text: strings.TrimSpace(leftover), Calls: calls}
		}
	}
	return Result{Text: strings.TrimSpace(text)}
}

// Strategy reports which strategy recognised raw, or "" when none did.
// It exists for diagnostics and logging.
func Strategy(raw string) (name string) {
	defer func() {
		if recover() != nil {
			name = ""
		}
	}()
	text := thinkPattern.ReplaceAllString(raw, "")
	for _, s := range chain {
		if _, _, ok := s.extract(text); ok {
			return s.name
		}
	}
	return ""
}
