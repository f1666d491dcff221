package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "")
	t.Setenv("MULTIPROCESS_THRESHOLD", "")
	t.Setenv("MIN_USERS_PER_PROCESS", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 1000, cfg.MultiprocessThreshold)
	assert.Equal(t, 500, cfg.MinUsersPerProcess)
	assert.Equal(t, 0.0, cfg.FailureRateFloor)
}

func TestLoadFromEnv_MissingPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")
	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestValidate_RejectsBadFailureFloor(t *testing.T) {
	cfg := &Config{DBPassword: "x", MultiprocessThreshold: 1, MinUsersPerProcess: 1, FailureRateFloor: 1.5}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsZeroThresholds(t *testing.T) {
	cfg := &Config{DBPassword: "x", MultiprocessThreshold: 0, MinUsersPerProcess: 1}
	require.Error(t, cfg.Validate())
}
