// Package recipe defines the launch configuration for a model and the
// per-backend argv/env builders derived from it, grounded on
// original_source/controller/models.py and backends.py.
package recipe

import (
	"encoding/json"
	"sort"
	"strings"
)

// Backend identifies which inference server implementation a Recipe targets.
type Backend string

const (
	BackendVLLM   Backend = "vllm"
	BackendSGLang Backend = "sglang"
)

// ExtraValue is a sum type over the scalar/bool/dict/list values a recipe's
// extra_args map may hold, mirroring the heterogeneous Python dict the
// original models.py accepts. Exactly one field is set.
type ExtraValue struct {
	Str    *string
	Num    *float64
	Bool   *bool
	JSON   json.RawMessage // dict or list, re-encoded verbatim
	IsJSON bool
}

// UnmarshalJSON implements a variant decode: strings/numbers/bools decode to
// their typed field, everything else (object, array) is kept as raw JSON for
// later re-encoding, matching the original's pass-through-as-JSON behavior
// for dict/list extra_args values.
func (v *ExtraValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "true" || trimmed == "false":
		b := trimmed == "true"
		v.Bool = &b
		return nil
	case len(trimmed) > 0 && (trimmed[0] == '"'):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.Str = &s
		return nil
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		v.JSON = append(json.RawMessage(nil), data...)
		v.IsJSON = true
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		v.Num = &f
		return nil
	}
}

// MarshalJSON re-encodes whichever variant is set.
func (v ExtraValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.IsJSON:
		return v.JSON, nil
	case v.Str != nil:
		return json.Marshal(*v.Str)
	case v.Bool != nil:
		return json.Marshal(*v.Bool)
	case v.Num != nil:
		return json.Marshal(*v.Num)
	default:
		return []byte("null"), nil
	}
}

// Recipe is an immutable launch configuration for one model on the backend.
// Field set and defaults mirror original_source/controller/models.py's
// Recipe, with tp/pp as the historical short aliases.
type Recipe struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	ModelPath string `json:"model_path"`
	Backend   Backend `json:"backend"`

	TensorParallelSize   int `json:"tensor_parallel_size"`
	PipelineParallelSize int `json:"pipeline_parallel_size"`

	MaxModelLen          int     `json:"max_model_len"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization"`
	KVCacheDtype         string  `json:"kv_cache_dtype"`

	MaxNumSeqs int `json:"max_num_seqs"`

	TrustRemoteCode bool   `json:"trust_remote_code"`
	ToolCallParser  string `json:"tool_call_parser,omitempty"`

	Quantization string `json:"quantization,omitempty"`
	Dtype        string `json:"dtype,omitempty"`

	Host           string `json:"host"`
	Port           int    `json:"port"`
	ServedModelName string `json:"served_model_name,omitempty"`

	PythonPath string `json:"python_path,omitempty"`

	ExtraArgs map[string]ExtraValue `json:"extra_args,omitempty"`

	// ModelSizeGB is the approximate parameter-weight size of the model on
	// disk, used only by metrics.EstimateModelMemory to sanity-check a
	// launch against available GPU memory before it is issued; it plays no
	// part in CLI argv composition.
	ModelSizeGB float64 `json:"model_size_gb,omitempty"`

	// RawExtraFlags is a freeform, shell-quoted string of additional CLI
	// flags appended verbatim after extra_args, for flags this Recipe's
	// typed fields don't otherwise expose. Parsed with go-shellwords,
	// matching pkg/inference/scheduling/scheduler.go's RawRuntimeFlags.
	RawExtraFlags string `json:"raw_extra_flags,omitempty"`
}

// DefaultRecipe returns a Recipe populated with the same defaults as the
// Python original's pydantic field defaults.
func DefaultRecipe() Recipe {
	return Recipe{
		Backend:              BackendVLLM,
		TensorParallelSize:   1,
		PipelineParallelSize: 1,
		MaxModelLen:          32768,
		GPUMemoryUtilization: 0.9,
		KVCacheDtype:         "auto",
		MaxNumSeqs:           256,
		TrustRemoteCode:      true,
		Host:                 "0.0.0.0",
		Port:                 8000,
	}
}

// MatchesServedName reports whether name (case-insensitive) matches this
// recipe's served name or, failing that, its id — the lookup key the
// ChatProxy uses, per spec.md §3's case-insensitive mandate.
func (r Recipe) MatchesServedName(name string) bool {
	if r.ServedModelName != "" && strings.EqualFold(r.ServedModelName, name) {
		return true
	}
	return strings.EqualFold(r.ID, name)
}

// envVars merges the recipe's environment variable sources in precedence
// order: extra_args.env_vars, then its case variants envVars / ENV_VARS /
// Env_Vars, then an explicit cuda_visible_devices override. Recipe has no
// env_vars field of its own, so extra_args is the only source read. This
// mirrors _build_env in original_source/controller/process.py.
func (r Recipe) envVars() map[string]string {
	merged := map[string]string{}

	if ev, ok := r.ExtraArgs["env_vars"]; ok && ev.IsJSON {
		var m map[string]string
		if json.Unmarshal(ev.JSON, &m) == nil {
			for k, v := range m {
				merged[k] = v
			}
		}
	}
	for _, variant := range []string{"envVars", "ENV_VARS", "Env_Vars"} {
		if ev, ok := r.ExtraArgs[variant]; ok && ev.IsJSON {
			var m map[string]string
			if json.Unmarshal(ev.JSON, &m) == nil {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
	}

	if cv, ok := r.ExtraArgs["cuda_visible_devices"]; ok {
		if cv.Str != nil {
			merged["CUDA_VISIBLE_DEVICES"] = *cv.Str
		} else if cv.Num != nil {
			merged["CUDA_VISIBLE_DEVICES"] = trimFloat(*cv.Num)
		}
	}

	return merged
}

// internalKeys are extra_args keys that drive env/CLI/interpreter
// composition directly (or are bookkeeping metadata) rather than becoming
// a passthrough flag, matching original_source/controller/backends.py's
// INTERNAL_KEYS. venv_path in particular is read by process.go's
// resolveInterpreter/vllmWrapper; leaving it out of this set would also
// emit it as a bogus --venv-path flag to the backend.
var internalKeys = map[string]bool{
	"env_vars":             true,
	"envVars":              true,
	"ENV_VARS":             true,
	"Env_Vars":             true,
	"cuda_visible_devices": true,
	"venv_path":            true,
	"description":          true,
	"tags":                 true,
	"status":               true,
}

// sortedExtraKeys returns extra_args keys (excluding internal ones) in a
// stable order so argv construction is deterministic.
func (r Recipe) sortedExtraKeys() []string {
	keys := make([]string, 0, len(r.ExtraArgs))
	for k := range r.ExtraArgs {
		if internalKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimFloat(f float64) string {
	s := jsonNumber(f)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	if s == "" {
		s = "0"
	}
	return s
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
