// Package config holds the controller's runtime knobs, populated from
// environment variables at startup the same way the original daemon's
// main.go reads MODEL_RUNNER_SOCK / MODELS_PATH: no config file, no flag
// parser, defaults applied in code.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every knob the controller needs at startup.
type Config struct {
	// ListenAddr is the address the controller's own HTTP API binds to.
	ListenAddr string
	// InferencePort is the TCP port the backend process listens on.
	InferencePort int
	// DataDir holds the lifetime counters file and, unless LogDir is set,
	// the per-recipe log files.
	DataDir string
	// LogDir holds per-recipe backend log files (<prefix>_<recipe_id>.log).
	LogDir string
	// BackendBaseURL is the base URL the ChatProxy forwards requests to,
	// e.g. http://127.0.0.1:<InferencePort>.
	BackendBaseURL string
	// BackendBearerToken is attached to forwarded chat-completion requests
	// when non-empty.
	BackendBearerToken string
	// MetricsTickInterval is the MetricsCollector's loop period. Fixed at
	// 5s per SPEC_FULL.md's open-question resolution, but overridable for
	// tests.
	MetricsTickInterval time.Duration
	// AllowedOrigins restricts CORS on the event/API endpoints; empty
	// means allow any origin.
	AllowedOrigins []string
}

const (
	envListenAddr    = "CONTROLLER_LISTEN_ADDR"
	envInferencePort = "CONTROLLER_INFERENCE_PORT"
	envDataDir       = "CONTROLLER_DATA_DIR"
	envLogDir        = "CONTROLLER_LOG_DIR"
	envBackendURL    = "CONTROLLER_BACKEND_URL"
	envBearerToken   = "CONTROLLER_BACKEND_TOKEN"
	envTickSeconds   = "CONTROLLER_METRICS_TICK_SECONDS"

	defaultInferencePort = 8000
	defaultTickSeconds   = 5
)

// FromEnv builds a Config from the process environment, applying the same
// defaults the teacher's main.go applies for its own env-driven knobs.
func FromEnv() (Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	cfg := Config{
		ListenAddr:    getEnv(envListenAddr, "0.0.0.0:8080"),
		InferencePort: defaultInferencePort,
		DataDir:       getEnv(envDataDir, filepath.Join(homeDir, ".controller", "data")),
	}

	if v := os.Getenv(envInferencePort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.InferencePort = port
	}

	cfg.LogDir = getEnv(envLogDir, filepath.Join(cfg.DataDir, "logs"))
	cfg.BackendBaseURL = getEnv(envBackendURL, "http://127.0.0.1:"+strconv.Itoa(cfg.InferencePort))
	cfg.BackendBearerToken = os.Getenv(envBearerToken)

	tickSeconds := defaultTickSeconds
	if v := os.Getenv(envTickSeconds); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		tickSeconds = n
	}
	cfg.MetricsTickInterval = time.Duration(tickSeconds) * time.Second

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
