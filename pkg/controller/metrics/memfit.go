package metrics

import "strings"

// EstimateModelMemory estimates the per-GPU VRAM (in GB) a model needs,
// grounded on original_source/controller/gpu.py's estimate_model_memory:
// quantization and dtype adjust a base size, tensor parallelism divides it,
// and a fixed 30% overhead covers KV cache and activations. Supplemented
// feature per SPEC_FULL.md §12 (gpu.py's can_fit_model/estimate_model_memory
// had no counterpart in the distilled spec).
func EstimateModelMemory(modelSizeGB float64, quantization, dtype string, tensorParallel int) float64 {
	memoryGB := modelSizeGB

	switch ql := strings.ToLower(quantization); {
	case strings.Contains(ql, "int4"), strings.Contains(ql, "4bit"):
		memoryGB *= 0.25
	case strings.Contains(ql, "int8"), strings.Contains(ql, "8bit"), ql == "awq", ql == "gptq":
		memoryGB *= 0.5
	case strings.Contains(ql, "fp8"):
		memoryGB *= 0.5
	}

	switch dl := strings.ToLower(dtype); {
	case strings.Contains(dl, "float32"), strings.Contains(dl, "fp32"):
		memoryGB *= 2.0
	case strings.Contains(dl, "int8"):
		memoryGB *= 0.5
	}

	if tensorParallel > 1 {
		memoryGB /= float64(tensorParallel)
	}

	return memoryGB * 1.3
}

// CanFitModel reports whether the first tensorParallel GPUs each have
// enough free memory for the estimated requirement. An empty gpu list is
// treated optimistically (matches the Python original's "no GPUs detected,
// optimistic fallback").
func CanFitModel(gpus []GPU, modelSizeGB float64, quantization, dtype string, tensorParallel int) bool {
	if len(gpus) == 0 {
		return true
	}
	if len(gpus) < tensorParallel {
		return false
	}

	requiredBytes := EstimateModelMemory(modelSizeGB, quantization, dtype, tensorParallel) * 1024 * 1024 * 1024
	for i := 0; i < tensorParallel; i++ {
		if float64(gpus[i].MemoryFree) < requiredBytes {
			return false
		}
	}
	return true
}
