package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 15*time.Minute, cfg.JWTAccessTTL)
	require.Equal(t, 30*24*time.Hour, cfg.JWTRefreshTTL)
	require.Equal(t, 500, cfg.MaxQueryLimit)
	require.True(t, cfg.EvaluateOnWrite)
	require.Equal(t, "*/5 * * * *", cfg.StalenessSweepCron)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("TRELLIS_DATABASE_URL", "postgres://override/db")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://override/db", cfg.DatabaseURL)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/trellis.yaml"
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9090\"\nmax_query_limit: 250\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, 250, cfg.MaxQueryLimit)
}
