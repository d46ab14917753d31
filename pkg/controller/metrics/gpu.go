// Package metrics implements the periodic GPU/backend telemetry collector,
// grounded on original_source/controller/app.py's
// _collect_and_broadcast_metrics / _scrape_vllm_metrics and
// original_source/controller/gpu.py's get_gpu_info /
// estimate_model_memory.
package metrics

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jaypipes/ghw"

	"github.com/inference-ctl/controller/pkg/logging"
)

// GPU is a single GPU's telemetry snapshot, per spec.md §4.E step 3.
type GPU struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	MemoryTotal int64   `json:"memory_total"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryFree  int64   `json:"memory_free"`
	Utilization float64 `json:"utilization"`
	Temperature int     `json:"temperature"`
	PowerDraw   float64 `json:"power_draw"`
	PowerLimit  float64 `json:"power_limit"`
}

// Querier reads the current GPU telemetry snapshot. Abstracted so the
// collector's tick logic can be tested without real hardware, per spec.md
// §9's "process discovery is inherently racy" design note extended to GPU
// queries.
type Querier interface {
	Query(ctx context.Context) []GPU
}

// nvidiaSMIQuerier shells out to nvidia-smi's CSV query mode, the only
// source in the retrieval pack that reports power draw and temperature
// (grounded on other_examples/.../internal-process-manager.go's
// queryGPUInfo, extended with the extra --query-gpu fields spec.md §4.E
// step 3 requires).
type nvidiaSMIQuerier struct {
	log logging.Logger
}

// NewQuerier constructs the default GPU querier: nvidia-smi first, falling
// back to ghw's PCI device enumeration (device presence only, no
// utilization/power/temperature) when nvidia-smi isn't on $PATH.
func NewQuerier(log logging.Logger) Querier {
	return &nvidiaSMIQuerier{log: log}
}

func (q *nvidiaSMIQuerier) Query(ctx context.Context) []GPU {
	if gpus, ok := q.queryNVIDIASMI(ctx); ok {
		return gpus
	}
	return queryGHWFallback(q.log)
}

func (q *nvidiaSMIQuerier) queryNVIDIASMI(ctx context.Context) ([]GPU, bool) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu,power.draw,power.limit",
		"--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, false
	}

	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ", ")
		if len(parts) < 9 {
			continue
		}
		idx, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
		totalMB, _ := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		usedMB, _ := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		freeMB, _ := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		util, _ := strconv.ParseFloat(strings.TrimSpace(parts[5]), 64)
		temp, _ := strconv.Atoi(strings.TrimSpace(parts[6]))
		powerDraw, _ := strconv.ParseFloat(strings.TrimSpace(parts[7]), 64)
		powerLimit, _ := strconv.ParseFloat(strings.TrimSpace(parts[8]), 64)

		const mib = 1024 * 1024
		gpus = append(gpus, GPU{
			Index:       idx,
			Name:        strings.TrimSpace(parts[1]),
			MemoryTotal: int64(totalMB * mib),
			MemoryUsed:  int64(usedMB * mib),
			MemoryFree:  int64(freeMB * mib),
			Utilization: util,
			Temperature: temp,
			PowerDraw:   powerDraw,
			PowerLimit:  powerLimit,
		})
	}
	return gpus, true
}

// queryGHWFallback enumerates PCI display controllers via ghw when
// nvidia-smi is unavailable (e.g. a non-NVIDIA host). It can only report
// device presence, not live utilization/power/temperature, which the
// nvidia-smi CSV contract alone provides.
func queryGHWFallback(log logging.Logger) []GPU {
	info, err := ghw.PCI()
	if err != nil {
		if log != nil {
			log.WithError(err).Warn("ghw PCI enumeration failed")
		}
		return nil
	}

	var gpus []GPU
	idx := 0
	for _, dev := range info.Devices {
		if dev.Class == nil || dev.Class.ID != "03" {
			continue
		}
		name := dev.Product.Name
		if dev.Vendor != nil && dev.Vendor.Name != "" {
			name = dev.Vendor.Name + " " + name
		}
		gpus = append(gpus, GPU{Index: idx, Name: name})
		idx++
	}
	return gpus
}

// TotalPowerWatts sums power_draw across every GPU, per spec.md §4.E step 4.
func TotalPowerWatts(gpus []GPU) float64 {
	var total float64
	for _, g := range gpus {
		total += g.PowerDraw
	}
	return total
}

// EnergyWhForTick converts a tick's average power draw to watt-hours,
// matching app.py's `total_power_watts * (tick_seconds / 3600)`.
func EnergyWhForTick(totalPowerWatts float64, tick time.Duration) float64 {
	return totalPowerWatts * (tick.Seconds() / 3600)
}
