// Package toolcall extracts structured tool-call requests from raw assistant
// text produced by models that have no native function-calling support and
// instead emit a tool call as in-band markup.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Call is a single extracted tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

var thinkBlock = regexp.MustCompile(`(?is)<think>.*?(</think>|$)`)
var assistantBlock = regexp.MustCompile(`(?is)<assistant>.*?(</assistant>|$)`)

// markerPairs lists the tag-delimited recognizers in priority order. The
// first pair whose matches yield at least one valid call wins; later pairs
// are consulted only when an earlier one yields none.
var markerPairs = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<tool_call>(.*?)</tool_call>`),
	regexp.MustCompile(`(?is)<\|tool_call\|>(.*?)<\|/tool_call\|>`),
	regexp.MustCompile(`(?is)\[tool_call\](.*?)\[/tool_call\]`),
	regexp.MustCompile(`(?is)<function_call>(.*?)</function_call>`),
}

var fencedJSON = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

var unclosedOpener = regexp.MustCompile(`(?is)<tool_call>(.*)$`)

// Parse runs the recognizer chain over raw and returns every call it could
// extract, each assigned a fresh call_id unique within the batch. Reasoning
// blocks are stripped before parsing so tool-call markup quoted inside a
// <think> block isn't mistaken for a real call; if that strip leaves nothing
// to find, a second pass runs against the untouched text to recover calls
// that were never actually inside reasoning (e.g. an unclosed <think>).
func Parse(raw string) []Call {
	stripped := stripReasoning(raw)
	calls := extractAll(stripped)
	if len(calls) == 0 {
		calls = extractAll(raw)
	}
	return assignIDs(calls)
}

func stripReasoning(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	s = assistantBlock.ReplaceAllString(s, "")
	return s
}

func extractAll(text string) []Call {
	for _, re := range markerPairs {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		var calls []Call
		for _, m := range matches {
			if c, ok := parsePayload(m[1], false); ok {
				calls = append(calls, c)
			}
		}
		if len(calls) > 0 {
			return calls
		}
	}

	if matches := fencedJSON.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		var calls []Call
		for _, m := range matches {
			if c, ok := parsePayload(m[1], true); ok {
				calls = append(calls, c)
			}
		}
		if len(calls) > 0 {
			return calls
		}
	}

	if m := unclosedOpener.FindStringSubmatch(text); m != nil {
		if c, ok := parsePayload(m[1], false); ok {
			return []Call{c}
		}
	}

	if calls := extractBareJSON(text); len(calls) > 0 {
		return calls
	}

	return nil
}

// extractBareJSON scans for top-level balanced-brace objects whose "name"
// key appears before an "arguments" or "parameters" key, with no surrounding
// marker or fence required.
func extractBareJSON(text string) []Call {
	var calls []Call
	for _, obj := range balancedObjects(text) {
		nameIdx := strings.Index(obj, `"name"`)
		argsIdx := strings.Index(obj, `"arguments"`)
		if argsIdx < 0 {
			argsIdx = strings.Index(obj, `"parameters"`)
		}
		if nameIdx < 0 || argsIdx < 0 || argsIdx < nameIdx {
			continue
		}
		if c, ok := parsePayload(obj, true); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// balancedObjects returns every top-level {...} substring of text, honoring
// quoted strings and escapes so braces inside string values don't throw off
// the depth count.
func balancedObjects(text string) []string {
	var objs []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objs = append(objs, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return objs
}

// wireCall is the shape a payload may take: a bare {name, arguments} object,
// or that same pair nested under a "function" or "tool_call" wrapper key.
type wireCall struct {
	Name       json.RawMessage `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
	Function   *wireCall       `json:"function"`
	ToolCall   *wireCall       `json:"tool_call"`
}

// parsePayload decodes a single candidate JSON object into a Call. When
// requireArgs is set (fenced-block and bare-JSON recognizers), an object
// with no arguments/parameters key at all is rejected rather than defaulted.
func parsePayload(payload string, requireArgs bool) (Call, bool) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Call{}, false
	}

	var wc wireCall
	if err := json.Unmarshal([]byte(payload), &wc); err != nil {
		return Call{}, false
	}
	if wc.Function != nil {
		wc = *wc.Function
	} else if wc.ToolCall != nil {
		wc = *wc.ToolCall
	}

	var name string
	if len(wc.Name) > 0 {
		if err := json.Unmarshal(wc.Name, &name); err != nil {
			return Call{}, false
		}
	}
	if name == "" {
		return Call{}, false
	}

	args := wc.Arguments
	if len(args) == 0 {
		args = wc.Parameters
	}
	if len(args) == 0 {
		if requireArgs {
			return Call{}, false
		}
		args = json.RawMessage(`{}`)
	}

	return Call{Name: name, Arguments: args}, true
}

func assignIDs(calls []Call) []Call {
	for i := range calls {
		calls[i].ID = "parsed_" + strconv.Itoa(i)
	}
	return calls
}

// actionVerbs and pathLike back the nudge heuristic: language that reads
// like an intended tool call without any recognized marker.
var actionVerbs = []string{"i'll create", "i will create", "i'll edit", "i will edit", "i'll run", "i will run", "let me edit", "let me create", "let me run", "i'll write", "i will write"}
var pathLike = regexp.MustCompile(`(^|\s)(\.{0,2}/|~/)?[\w.-]+/[\w./-]+`)

// ShouldNudge reports whether text looks like a missed tool call: no marker
// was recognized (found == false from the caller's own Parse result) but the
// text either contains a fenced JSON object shaped like a tool call, or pairs
// action-verb language with what looks like a filesystem path. The caller
// must never invoke this when found is true.
func ShouldNudge(text string, found bool) bool {
	if found {
		return false
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if _, ok := parsePayload(m[1], true); ok {
			return true
		}
	}
	lower := strings.ToLower(text)
	hasVerb := false
	for _, v := range actionVerbs {
		if strings.Contains(lower, v) {
			hasVerb = true
			break
		}
	}
	return hasVerb && pathLike.MatchString(text)
}
