package proxy

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-ctl/controller/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logging.NewLogrusAdapter(l)
}

func sseLine(t *testing.T, data interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(data)
	require.NoError(t, err)
	return []byte("data: " + string(body) + "\n\n")
}

func TestThinkTagIdempotenceWithoutTags(t *testing.T) {
	rep := newStreamRepairer(testLogger())

	chunk := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": "hello world"}},
		},
	})

	out := rep.repair(chunk)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(extractDataJSON(t, out), &got))

	choices := got["choices"].([]interface{})
	delta := choices[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "hello world", delta["content"])
	_, hasReasoning := delta["reasoning_content"]
	assert.False(t, hasReasoning)
}

func TestThinkTagStateMachineAcrossChunks(t *testing.T) {
	rep := newStreamRepairer(testLogger())

	chunk1 := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": "before <think>reasoning-a"}},
		},
	})
	chunk2 := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": "-b"}},
		},
	})
	chunk3 := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": "-c</think>after"}},
		},
	})

	out1 := rep.repair(chunk1)
	var got1 map[string]interface{}
	require.NoError(t, json.Unmarshal(extractDataJSON(t, out1), &got1))
	delta1 := got1["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "reasoning-a", delta1["reasoning_content"])
	assert.Equal(t, "before", delta1["content"])
	assert.True(t, rep.inThinking)

	out2 := rep.repair(chunk2)
	var got2 map[string]interface{}
	require.NoError(t, json.Unmarshal(extractDataJSON(t, out2), &got2))
	delta2 := got2["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "-b", delta2["reasoning_content"])
	assert.Nil(t, delta2["content"])
	assert.True(t, rep.inThinking)

	out3 := rep.repair(chunk3)
	var got3 map[string]interface{}
	require.NoError(t, json.Unmarshal(extractDataJSON(t, out3), &got3))
	delta3 := got3["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "-c", delta3["reasoning_content"])
	assert.Equal(t, "after", delta3["content"])
	assert.False(t, rep.inThinking)
}

func TestDuplicateReasoningRepair(t *testing.T) {
	rep := newStreamRepairer(testLogger())

	chunk := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{
				"reasoning":         "R",
				"reasoning_content": "R",
			}},
		},
	})

	out := rep.repair(chunk)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(extractDataJSON(t, out), &got))
	delta := got["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	_, hasReasoning := delta["reasoning"]
	assert.False(t, hasReasoning)
	assert.Equal(t, "R", delta["reasoning_content"])
}

func TestDropRuleFiltersNoiseChunk(t *testing.T) {
	rep := newStreamRepairer(testLogger())

	noise := []byte(`data: {"role":"user","tool_calls":[],"content":""}` + "\n\n")
	out := rep.repair(noise)
	assert.Empty(t, out)
}

func TestStreamingToolCallReconstruction(t *testing.T) {
	rep := newStreamRepairer(testLogger())

	part1 := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": "<use_mcp_tool><server_name>exa</server_name>"}},
		},
	})
	part2 := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": "<tool_name>search</tool_name><arguments>"}},
		},
	})
	part3 := sseLine(t, map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"content": `{"q":"x"}</arguments></use_mcp_tool>`}},
		},
	})

	rep.repair(part1)
	rep.repair(part2)
	rep.repair(part3)

	final := rep.finalize()
	require.NotEmpty(t, final)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(extractDataJSON(t, final), &got))

	choices := got["choices"].([]interface{})
	choice := choices[0].(map[string]interface{})
	assert.Equal(t, "tool_calls", choice["finish_reason"])

	delta := choice["delta"].(map[string]interface{})
	toolCalls := delta["tool_calls"].([]interface{})
	require.Len(t, toolCalls, 1)
	fn := toolCalls[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "exa__search", fn["name"])
	assert.Equal(t, `{"q":"x"}`, fn["arguments"])
}

func TestNonStreamingToolCallRepair(t *testing.T) {
	body, err := json.Marshal(map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{
				"message": map[string]interface{}{
					"content": `<tool_call>{"name": "lookup", "arguments": {"id": 7}}</tool_call>`,
				},
			},
		},
	})
	require.NoError(t, err)

	out := repairNonStreaming(body, testLogger())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &got))
	choice := got["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_calls", choice["finish_reason"])
	message := choice["message"].(map[string]interface{})
	toolCalls := message["tool_calls"].([]interface{})
	require.Len(t, toolCalls, 1)
	fn := toolCalls[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "lookup", fn["name"])
}

// extractDataJSON strips the "data: " prefix and trailing blank line from
// a single repaired SSE chunk so the test can unmarshal just the payload.
func extractDataJSON(t *testing.T, chunk []byte) []byte {
	t.Helper()
	s := string(chunk)
	const prefix = "data: "
	require.True(t, len(s) > len(prefix) && s[:len(prefix)] == prefix, "chunk missing data: prefix: %q", s)
	s = s[len(prefix):]
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return []byte(s)
}
