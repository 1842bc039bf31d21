package interpret

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Channel-tagged output segments a response with control tokens:
//
//	<|start|>assistant<|channel|>analysis<|message|>reasoning...<|end|>
//	<|start|>assistant<|channel|>commentary to=functions.read_file <|constrain|>json<|message|>{"path":"a.txt"}<|call|>
//	<|start|>assistant<|channel|>final<|message|>answer text<|return|>
//
// Analysis is discarded, each commentary segment addressed to a
// function is one call, and the last final channel carries the answer.
var (
	channelCall = regexp.MustCompile(
		`(?s)<\|channel\|>\s*commentary\s+to=(?:functions\.)?([\w.-]+)\s*(?:<\|constrain\|>\s*json\s*)?<\|message\|>(.*?)<\|call\|>`)
	channelFinal = regexp.MustCompile(
		`(?s)<\|channel\|>\s*final\s*<\|message\|>(.*?)(?:<\|end\|>|<\|start\|>|<\|return\|>|$)`)
	channelAnalysis = regexp.MustCompile(
		`(?s)<\|channel\|>\s*analysis\s*<\|message\|>.*?(?:<\|end\|>|<\|start\|>|$)`)
	roleHeader   = regexp.MustCompile(`<\|start\|>\s*\w+`)
	controlToken = regexp.MustCompile(`<\|[a-z_]+\|>`)
)

// extractChannels recognises channel-tagged output. Unlike the JSON
// strategies it reports ok even without calls, because the final
// channel still has to be separated from the reasoning channels.
func extractChannels(text string) ([]Call, string, bool) {
	if !strings.Contains(text, "<|channel|>") {
		return nil, text, false
	}

	var calls []Call
	for _, m := range channelCall.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		args, ok := decodeChannelArgs(m[2])
		if name == "" || !ok {
			continue
		}
		calls = append(calls, Call{Name: name, Arguments: args})
	}

	// A revised answer can follow an earlier final segment; the last wins.
	if finals := channelFinal.FindAllStringSubmatch(text, -1); len(finals) > 0 {
		last := finals[len(finals)-1]
		return calls, controlToken.ReplaceAllString(last[1], ""), true
	}

	rest := channelCall.ReplaceAllString(text, "")
	rest = channelAnalysis.ReplaceAllString(rest, "")
	rest = roleHeader.ReplaceAllString(rest, "")
	rest = controlToken.ReplaceAllString(rest, "")
	return calls, rest, true
}

func decodeChannelArgs(body string) (map[string]any, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return map[string]any{}, true
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, false
	}
	return toArgs(v)
}
