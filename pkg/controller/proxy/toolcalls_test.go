package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMCPToolCall(t *testing.T) {
	content := `Sure, let me search.<use_mcp_tool><server_name>exa</server_name><tool_name>search</tool_name><arguments>{"q":"x"}</arguments></use_mcp_tool>`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "exa__search", calls[0].Name)
	assert.Equal(t, `{"q":"x"}`, calls[0].Arguments)
	assert.Regexp(t, `^call_[0-9a-f]{9}$`, calls[0].ID)
}

func TestParseMCPToolCallMissingOpeningAngle(t *testing.T) {
	content := `use_mcp_tool><server_name>exa</server_name><tool_name>search</tool_name><arguments>{"q":"y"}</arguments></use_mcp_tool>`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "exa__search", calls[0].Name)
}

func TestParseMCPToolCallNoServerName(t *testing.T) {
	content := `<use_mcp_tool><server_name></server_name><tool_name>search</tool_name><arguments>{}</arguments></use_mcp_tool>`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
}

func TestParseDanglingToolCall(t *testing.T) {
	content := `{"name": "get_weather", "arguments": {"city": "Berlin"}}</tool_call>`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.JSONEq(t, `{"city":"Berlin"}`, calls[0].Arguments)
}

func TestParseBalancedToolCall(t *testing.T) {
	content := `<tool_call>{"name": "lookup", "arguments": {"id": 1}}</tool_call>`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"id":1}`, calls[0].Arguments)
}

func TestParseGLMActionForm(t *testing.T) {
	content := `<|action_start|><|plugin|>{"name": "run", "arguments": {"x": 1}}<|action_end|>`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "run", calls[0].Name)
	assert.JSONEq(t, `{"x":1}`, calls[0].Arguments)
}

func TestParseRawJSONToolCall(t *testing.T) {
	content := `some preamble {"name": "ping", "arguments": {"n": 2}} trailing`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "ping", calls[0].Name)
}

func TestParseFallbackToolCall(t *testing.T) {
	content := `{"name": "noop"}`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "noop", calls[0].Name)
}

func TestParseToolCallsNoSignatureReturnsEmpty(t *testing.T) {
	calls := ParseToolCallsFromContent("just plain assistant text, no tools here")
	assert.Empty(t, calls)
}

func TestParseToolCallsStopsAtFirstNonEmptyPattern(t *testing.T) {
	// Both an MCP tag and a raw JSON name/arguments pair are present; the
	// MCP pattern is tried first and should win.
	content := `<use_mcp_tool><server_name>s</server_name><tool_name>t</tool_name><arguments>{}</arguments></use_mcp_tool> {"name": "other", "arguments": {}}`

	calls := ParseToolCallsFromContent(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "s__t", calls[0].Name)
}
