package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gtassert "gotest.tools/v3/assert"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envInferencePort, envDataDir, envLogDir,
		envBackendURL, envBearerToken, envTickSeconds,
	} {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, defaultInferencePort, cfg.InferencePort)
	assert.Equal(t, 5*time.Second, cfg.MetricsTickInterval)
	assert.Equal(t, "http://127.0.0.1:8000", cfg.BackendBaseURL)
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envInferencePort, "9001")
	t.Setenv(envTickSeconds, "1")
	t.Setenv(envBackendURL, "http://example.internal:9001")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.InferencePort)
	assert.Equal(t, 1*time.Second, cfg.MetricsTickInterval)
	assert.Equal(t, "http://example.internal:9001", cfg.BackendBaseURL)
}

func TestFromEnvInvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv(envInferencePort, "not-a-number")

	_, err := FromEnv()
	assert.Error(t, err)
}

// TestFromEnvListenAddrOverride uses gotest.tools/v3's assert package
// (rather than testify) for this one check, matching the teacher's own
// split between the two assertion libraries across its test files.
func TestFromEnvListenAddrOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, "127.0.0.1:9090")

	cfg, err := FromEnv()
	gtassert.NilError(t, err)
	gtassert.Equal(t, cfg.ListenAddr, "127.0.0.1:9090")
}
