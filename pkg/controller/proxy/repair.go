package proxy

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/inference-ctl/controller/pkg/logging"
)

var nameInBufferPattern = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)

// streamRepairer holds the per-request mutable state the three streaming
// repairs need (think-tag machine, empty-tool-name buffer, tool-call
// reconstruction), grounded on
// original_source/controller/routes/proxy.py's stream_response closure
// (think_state / tool_call_buffer), per spec.md §9's "interleaved
// streaming state -> per-request mutable cell" design note: one
// streamRepairer is owned by a single ServeHTTP call, never shared.
type streamRepairer struct {
	log logging.Logger

	lineBuf strings.Builder

	inThinking bool

	buffer         strings.Builder
	toolArgs       strings.Builder
	toolName       string
	toolCallsFound bool
}

func newStreamRepairer(log logging.Logger) *streamRepairer {
	return &streamRepairer{log: log}
}

// repair consumes a raw chunk of the upstream response body and returns
// the repaired bytes ready to forward to the client. SSE events are
// framed by a blank line; a chunk boundary that splits an event mid-way
// is buffered across calls and completed by the next repair (or by
// finalize at stream end).
func (r *streamRepairer) repair(raw []byte) []byte {
	r.lineBuf.Write(raw)
	full := r.lineBuf.String()

	events := strings.Split(full, "\n\n")
	complete := events[:len(events)-1]
	r.lineBuf.Reset()
	r.lineBuf.WriteString(events[len(events)-1])

	var out bytes.Buffer
	for _, ev := range complete {
		if kept, ok := r.repairEvent(ev); ok {
			out.WriteString(kept)
			out.WriteString("\n\n")
		}
	}
	return out.Bytes()
}

// finalize flushes any buffered partial event and, if the upstream never
// emitted a real tool call but the accumulated content matches a
// tool-call signature, synthesizes the closing chunk described in
// spec.md §4.F "Tool-call reconstruction at stream end".
func (r *streamRepairer) finalize() []byte {
	var out bytes.Buffer

	if r.lineBuf.Len() > 0 {
		if kept, ok := r.repairEvent(r.lineBuf.String()); ok {
			out.WriteString(kept)
			out.WriteString("\n\n")
		}
		r.lineBuf.Reset()
	}

	if r.toolCallsFound {
		return out.Bytes()
	}

	if r.toolArgs.Len() > 0 {
		name := r.toolName
		args := strings.TrimSpace(r.toolArgs.String())
		if name == "" {
			name = extractNameFromBuffer(r.buffer.String())
		}
		if name != "" && strings.HasPrefix(args, "{") && strings.HasSuffix(args, "}") {
			out.Write(encodeToolCallChunk([]ToolCall{{ID: newCallID(), Name: name, Arguments: args}}))
			return out.Bytes()
		}
	}

	content := r.buffer.String()
	if hasToolCallSignature(content) {
		if calls := ParseToolCallsFromContent(content); len(calls) > 0 {
			out.Write(encodeToolCallChunk(calls))
		}
	}

	return out.Bytes()
}

// repairEvent applies the drop-rule, duplicate-reasoning repair,
// think-tag repair, and empty-tool-name repair to one SSE event (the
// lines between two blank-line frame separators). The bool return is
// false when the event should be dropped entirely (every line in it was
// noise), matching spec.md §4.F's "drop the chunk entirely" rule applied
// at event rather than raw-byte granularity.
func (r *streamRepairer) repairEvent(event string) (string, bool) {
	lines := strings.Split(event, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		repairedLine, ok := r.repairDataLine(line)
		if !ok {
			continue
		}
		kept = append(kept, repairedLine)
	}

	if len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, "\n"), true
}

func (r *streamRepairer) repairDataLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
		return line, true
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
	if payload == "" {
		return line, true
	}

	if strings.Contains(payload, `"role":"user"`) && strings.Contains(payload, `"tool_calls":[]`) {
		return "", false
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		r.log.WithError(err).Warn("chat proxy: failed to parse SSE chunk, passing through unmodified")
		return line, true
	}

	choices, _ := data["choices"].([]interface{})
	for _, c := range choices {
		choice, _ := c.(map[string]interface{})
		if choice == nil {
			continue
		}
		delta, _ := choice["delta"].(map[string]interface{})
		if delta == nil {
			continue
		}
		r.repairDuplicateReasoning(delta)
		r.repairThinkTags(delta)
	}
	r.repairEmptyToolNamesAndAccumulate(choices)

	out, err := json.Marshal(data)
	if err != nil {
		return line, true
	}
	return "data: " + string(out), true
}

func (r *streamRepairer) repairDuplicateReasoning(delta map[string]interface{}) {
	_, hasReasoning := delta["reasoning"]
	_, hasReasoningContent := delta["reasoning_content"]
	if hasReasoning && hasReasoningContent {
		delete(delta, "reasoning")
	}
}

// repairThinkTags runs the byte-wise <think>/</think> state machine
// described in spec.md §4.F step 3 against delta.content, rewriting
// delta.reasoning_content / delta.content in place.
func (r *streamRepairer) repairThinkTags(delta map[string]interface{}) {
	content, ok := delta["content"].(string)
	if !ok || content == "" {
		return
	}
	if rc, ok := delta["reasoning_content"].(string); ok && rc != "" {
		return
	}

	hasOpen := strings.Contains(content, "<think>")
	hasClose := strings.Contains(content, "</think>")

	switch {
	case !r.inThinking && hasClose && !hasOpen:
		parts := strings.SplitN(content, "</think>", 2)
		reasoning, remaining := parts[0], ""
		if len(parts) > 1 {
			remaining = parts[1]
		}
		delta["reasoning_content"] = reasoning
		setContentOrNull(delta, remaining)

	case hasOpen:
		parts := strings.SplitN(content, "<think>", 2)
		before, after := parts[0], ""
		if len(parts) > 1 {
			after = parts[1]
		}
		r.inThinking = true
		if strings.Contains(after, "</think>") {
			tp := strings.SplitN(after, "</think>", 2)
			reasoning, remaining := tp[0], ""
			if len(tp) > 1 {
				remaining = tp[1]
			}
			r.inThinking = false
			delta["reasoning_content"] = reasoning
			setContentOrNull(delta, before+remaining)
		} else {
			delta["reasoning_content"] = after
			setContentOrNull(delta, before)
		}

	case r.inThinking:
		if hasClose {
			parts := strings.SplitN(content, "</think>", 2)
			reasoning, remaining := parts[0], ""
			if len(parts) > 1 {
				remaining = parts[1]
			}
			r.inThinking = false
			delta["reasoning_content"] = reasoning
			setContentOrNull(delta, remaining)
		} else {
			delta["reasoning_content"] = content
			delta["content"] = nil
		}
	}
}

func setContentOrNull(delta map[string]interface{}, s string) {
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		delta["content"] = trimmed
	} else {
		delta["content"] = nil
	}
}

// repairEmptyToolNamesAndAccumulate accumulates streamed content,
// reasoning_content, and tool_call argument fragments into the
// per-request buffer, and rewrites any tool_calls entry whose
// function.name is empty using the first "name":"..." match seen so far
// in that buffer, per spec.md §4.F "Empty-tool-name repair".
func (r *streamRepairer) repairEmptyToolNamesAndAccumulate(choices []interface{}) {
	for _, c := range choices {
		choice, _ := c.(map[string]interface{})
		if choice == nil {
			continue
		}
		delta, _ := choice["delta"].(map[string]interface{})
		if delta == nil {
			continue
		}

		if s, ok := delta["content"].(string); ok && s != "" {
			r.buffer.WriteString(s)
		}
		if s, ok := delta["reasoning_content"].(string); ok && s != "" {
			r.buffer.WriteString(s)
		}

		toolCalls, _ := delta["tool_calls"].([]interface{})
		for _, tcRaw := range toolCalls {
			tc, _ := tcRaw.(map[string]interface{})
			if tc == nil {
				continue
			}
			fn, _ := tc["function"].(map[string]interface{})
			if fn == nil {
				continue
			}
			name, _ := fn["name"].(string)
			args, _ := fn["arguments"].(string)

			if strings.TrimSpace(name) == "" {
				if extracted := extractNameFromBuffer(r.buffer.String()); extracted != "" {
					fn["name"] = extracted
					r.log.Warnf("chat proxy: repaired malformed tool call, extracted name=%s", extracted)
				}
			} else {
				r.toolName = name
				r.toolCallsFound = true
			}
			if args != "" {
				r.toolArgs.WriteString(args)
			}
		}
	}
}

func extractNameFromBuffer(buf string) string {
	m := nameInBufferPattern.FindStringSubmatch(buf)
	if m == nil {
		return ""
	}
	return m[1]
}

func hasToolCallSignature(content string) bool {
	return strings.Contains(content, "</tool_call>") ||
		strings.Contains(content, "<tool_call>") ||
		strings.Contains(content, "</use_mcp_tool>") ||
		strings.Contains(content, "use_mcp_tool>") ||
		(strings.Contains(content, `"name"`) && strings.Contains(content, `"arguments"`))
}

// toolCallsToField renders calls as the JSON-ready []interface{} shape of
// an OpenAI tool_calls array.
func toolCallsToField(calls []ToolCall) []interface{} {
	out := make([]interface{}, 0, len(calls))
	for i, c := range calls {
		out = append(out, map[string]interface{}{
			"index": i,
			"id":    c.ID,
			"type":  "function",
			"function": map[string]interface{}{
				"name":      c.Name,
				"arguments": c.Arguments,
			},
		})
	}
	return out
}

// encodeToolCallChunk renders a synthetic closing SSE chunk carrying the
// reconstructed tool calls, per spec.md §4.F "emit a synthetic final SSE
// chunk".
func encodeToolCallChunk(calls []ToolCall) []byte {
	chunk := map[string]interface{}{
		"id": "chatcmpl-" + newChunkSuffix(),
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"delta":         map[string]interface{}{"tool_calls": toolCallsToField(calls)},
				"finish_reason": "tool_calls",
			},
		},
	}
	body, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(body) + "\n\n")
}

func newChunkSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}

// repairNonStreaming applies spec.md §4.F's non-streaming repair: if the
// assistant message has no tool calls but its content (plus
// reasoning_content) matches a tool-call signature, parse and attach
// tool calls and set finish_reason accordingly.
func repairNonStreaming(body []byte, log logging.Logger) []byte {
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return body
	}

	choices, _ := result["choices"].([]interface{})
	if len(choices) == 0 {
		return body
	}
	choice, _ := choices[0].(map[string]interface{})
	if choice == nil {
		return body
	}
	message, _ := choice["message"].(map[string]interface{})
	if message == nil {
		return body
	}

	existing, _ := message["tool_calls"].([]interface{})
	content, _ := message["content"].(string)
	reasoning, _ := message["reasoning_content"].(string)
	full := content + reasoning

	if len(existing) == 0 && full != "" && hasToolCallSignature(full) {
		if parsed := ParseToolCallsFromContent(full); len(parsed) > 0 {
			message["tool_calls"] = toolCallsToField(parsed)
			choice["finish_reason"] = "tool_calls"
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("chat proxy: failed to re-encode non-streaming response")
		}
		return body
	}
	return out
}
