package recipe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// BuildArgs composes the backend CLI argv for a recipe, following
// original_source/controller/backends.py's build_vllm_command /
// build_sglang_command: a "serve <model>" form for vLLM or the
// "-m sglang.launch_server --model-path <model>" form for SGLang, the
// recipe's typed fields mapped to flags, then extra_args folded in with
// underscores converted to dashes.
func BuildArgs(r Recipe) ([]string, error) {
	var args []string
	switch r.Backend {
	case BackendVLLM:
		args = buildVLLMArgs(r)
	case BackendSGLang:
		args = buildSGLangArgs(r)
	default:
		return nil, fmt.Errorf("unknown backend %q", r.Backend)
	}

	if strings.TrimSpace(r.RawExtraFlags) != "" {
		extra, err := shellwords.Parse(r.RawExtraFlags)
		if err != nil {
			return nil, fmt.Errorf("invalid raw_extra_flags: %w", err)
		}
		args = append(args, extra...)
	}

	return args, nil
}

func buildVLLMArgs(r Recipe) []string {
	args := []string{"serve", r.ModelPath}

	args = append(args,
		"--host", r.Host,
		"--port", strconv.Itoa(r.Port),
		"--tensor-parallel-size", strconv.Itoa(valueOr(r.TensorParallelSize, 1)),
		"--max-model-len", strconv.Itoa(r.MaxModelLen),
		"--gpu-memory-utilization", formatFloat(r.GPUMemoryUtilization),
		"--max-num-seqs", strconv.Itoa(r.MaxNumSeqs),
	)

	if r.PipelineParallelSize > 1 {
		args = append(args, "--pipeline-parallel-size", strconv.Itoa(r.PipelineParallelSize))
	}
	if r.KVCacheDtype != "" && r.KVCacheDtype != "auto" {
		args = append(args, "--kv-cache-dtype", r.KVCacheDtype)
	}
	if r.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if r.ToolCallParser != "" {
		args = append(args, "--tool-call-parser", r.ToolCallParser)
	}
	if r.Quantization != "" {
		args = append(args, "--quantization", r.Quantization)
	}
	if r.Dtype != "" {
		args = append(args, "--dtype", r.Dtype)
	}
	if r.ServedModelName != "" {
		args = append(args, "--served-model-name", r.ServedModelName)
	}

	return appendExtraArgs(args, r)
}

func buildSGLangArgs(r Recipe) []string {
	args := []string{"-m", "sglang.launch_server", "--model-path", r.ModelPath}

	args = append(args,
		"--host", r.Host,
		"--port", strconv.Itoa(r.Port),
		"--tp", strconv.Itoa(valueOr(r.TensorParallelSize, 1)),
		"--context-length", strconv.Itoa(r.MaxModelLen),
		"--mem-fraction-static", formatFloat(r.GPUMemoryUtilization),
	)

	if r.PipelineParallelSize > 1 {
		args = append(args, "--pp", strconv.Itoa(r.PipelineParallelSize))
	}
	if r.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if r.Quantization != "" {
		args = append(args, "--quantization", r.Quantization)
	}
	if r.Dtype != "" {
		args = append(args, "--dtype", r.Dtype)
	}
	if r.ServedModelName != "" {
		args = append(args, "--served-model-name", r.ServedModelName)
	}

	return appendExtraArgs(args, r)
}

// appendExtraArgs folds extra_args into argv: field names become flags by
// replacing "_" with "-"; true emits the flag alone; false/null omits it;
// dict/list values are emitted as a single JSON-encoded argument,
// matching backends.py's _append_extra_args / _get_extra_arg.
func appendExtraArgs(args []string, r Recipe) []string {
	for _, key := range r.sortedExtraKeys() {
		v := r.ExtraArgs[key]
		flag := "--" + strings.ReplaceAll(key, "_", "-")

		switch {
		case v.Bool != nil:
			if *v.Bool {
				args = append(args, flag)
			}
		case v.Str != nil:
			args = append(args, flag, *v.Str)
		case v.Num != nil:
			args = append(args, flag, trimFloat(*v.Num))
		case v.IsJSON:
			encoded := normalizeJSONKeys(v.JSON)
			args = append(args, flag, encoded)
		}
	}
	return args
}

// normalizeJSONKeys re-encodes a dict/list extra_args value, converting any
// nested "config"-style kebab-case keys back to snake_case before emitting,
// per spec.md §4.A's argv composition rule.
func normalizeJSONKeys(raw json.RawMessage) string {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	normalized := normalizeValue(generic)
	out, err := json.Marshal(normalized)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func normalizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[strings.ReplaceAll(k, "-", "_")] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

func valueOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
