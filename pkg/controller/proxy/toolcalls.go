package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is a reconstructed OpenAI-style tool call, always carrying a
// re-serialized (string) arguments field.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

var (
	mcpToolPattern = regexp.MustCompile(`(?s)<?use_mcp_tool>\s*<?server_name>([^<]*)</server_name>\s*<?tool_name>([^<]*)</tool_name>\s*<?arguments>\s*(\{.*?\})\s*</arguments>\s*</\s*use_mcp_tool>`)
	danglingPattern = regexp.MustCompile(`(?s)\{"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{[^{}]*\})\s*\}\s*</tool_call>`)
	balancedPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	glmPattern      = regexp.MustCompile(`(?s)<\|action_start\|>\s*<\|plugin\|>\s*(\{.*?\})\s*<\|action_end\|>`)
	rawJSONPattern  = regexp.MustCompile(`(?s)\{"name"\s*:\s*"([^"]+)"\s*,\s*"(?:arguments|parameters)"\s*:\s*(\{[^{}]*\})\s*\}`)
	fallbackPattern = regexp.MustCompile(`(?s)\{[^{}]*"name"\s*:\s*"([^"]+)"[^{}]*\}`)
)

// ParseToolCallsFromContent applies spec.md §4.F's six tool-call patterns
// in order and returns the first pattern's non-empty result, grounded on
// original_source/controller/routes/proxy.py's
// parse_tool_calls_from_content.
func ParseToolCallsFromContent(content string) []ToolCall {
	if calls := parseMCPToolCalls(content); len(calls) > 0 {
		return calls
	}
	if strings.Contains(content, "</tool_call>") {
		if calls := parseDanglingToolCalls(content); len(calls) > 0 {
			return calls
		}
	}
	if strings.Contains(content, "<tool_call>") {
		if calls := parseBalancedToolCalls(content); len(calls) > 0 {
			return calls
		}
	}
	if strings.Contains(content, "<|action_start|>") {
		if calls := parseGLMToolCalls(content); len(calls) > 0 {
			return calls
		}
	}
	if strings.Contains(content, `"name"`) && (strings.Contains(content, `"arguments"`) || strings.Contains(content, `"parameters"`)) {
		if calls := parseRawJSONToolCalls(content); len(calls) > 0 {
			return calls
		}
	}
	if strings.Contains(content, `"name"`) {
		return parseFallbackToolCalls(content)
	}
	return nil
}

func parseMCPToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, m := range mcpToolPattern.FindAllStringSubmatch(content, -1) {
		server := strings.TrimSpace(m[1])
		tool := strings.TrimSpace(m[2])
		if tool == "" {
			continue
		}
		name := tool
		if server != "" {
			name = server + "__" + tool
		}
		args := reserializeArguments(stripThinkTags(m[3]))
		calls = append(calls, ToolCall{ID: newCallID(), Name: name, Arguments: args})
	}
	return calls
}

func parseDanglingToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, m := range danglingPattern.FindAllStringSubmatch(content, -1) {
		calls = append(calls, ToolCall{ID: newCallID(), Name: m[1], Arguments: reserializeArguments(m[2])})
	}
	return calls
}

func parseBalancedToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, m := range balancedPattern.FindAllStringSubmatch(content, -1) {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(m[1]), &data); err != nil {
			continue
		}
		name, _ := data["name"].(string)
		if name == "" {
			continue
		}
		args, _ := data["arguments"]
		calls = append(calls, ToolCall{ID: newCallID(), Name: name, Arguments: mustMarshalArgs(args)})
	}
	return calls
}

func parseGLMToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, m := range glmPattern.FindAllStringSubmatch(content, -1) {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(m[1]), &data); err != nil {
			continue
		}
		name, _ := data["name"].(string)
		if name == "" {
			continue
		}
		args := data["arguments"]
		if args == nil {
			args = data["parameters"]
		}
		calls = append(calls, ToolCall{ID: newCallID(), Name: name, Arguments: mustMarshalArgs(args)})
	}
	return calls
}

func parseRawJSONToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, m := range rawJSONPattern.FindAllStringSubmatch(content, -1) {
		calls = append(calls, ToolCall{ID: newCallID(), Name: m[1], Arguments: reserializeArguments(m[2])})
	}
	return calls
}

func parseFallbackToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, m := range fallbackPattern.FindAllStringSubmatch(content, -1) {
		var data map[string]interface{}
		args := "{}"
		if err := json.Unmarshal([]byte(m[0]), &data); err == nil {
			delete(data, "name")
			args = mustMarshalArgs(data)
		}
		calls = append(calls, ToolCall{ID: newCallID(), Name: m[1], Arguments: args})
	}
	return calls
}

// reserializeArguments parses raw as JSON and re-marshals it to a compact
// string; on parse failure it falls back to the trimmed raw text, matching
// the original's lenient "pass the string through" behavior.
func reserializeArguments(raw string) string {
	raw = strings.TrimSpace(raw)
	var data interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return raw
	}
	return mustMarshalArgs(data)
}

func mustMarshalArgs(v interface{}) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func stripThinkTags(s string) string {
	s = strings.ReplaceAll(s, "<think>", "")
	s = strings.ReplaceAll(s, "</think>", "")
	return s
}

func newCallID() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "call_000000000"
	}
	return "call_" + hex.EncodeToString(buf)[:9]
}
