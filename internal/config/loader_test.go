package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withConfigPaths points the loader at throwaway locations for one test.
func withConfigPaths(t *testing.T, userPath, projectPath string) {
	t.Helper()

	origUser := getUserConfigPath
	origProject := getProjectConfigPath
	origHome := osUserHomeDir
	t.Cleanup(func() {
		getUserConfigPath = origUser
		getProjectConfigPath = origProject
		osUserHomeDir = origHome
	})

	getUserConfigPath = func() (string, error) { return userPath, nil }
	getProjectConfigPath = func() (string, error) { return projectPath, nil }
	osUserHomeDir = func() (string, error) { return t.TempDir(), nil }
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaultsOnly(t *testing.T) {
	withConfigPaths(t, filepath.Join(t.TempDir(), "missing.yaml"), filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	defaults := GetDefaultConfig()
	assert.Equal(t, defaults.Supervisor.BasePort, cfg.Supervisor.BasePort)
	assert.Equal(t, defaults.Supervisor.HealthCheckAttempts, cfg.Supervisor.HealthCheckAttempts)
	assert.NotEmpty(t, cfg.GlobalSettings.DataDir, "data dir must fall back to a home-relative default")
}

func TestLoadConfigUserOverridesDefaults(t *testing.T) {
	userPath := writeConfig(t, t.TempDir(), `
supervisor:
  basePort: 9000
  rpcTimeout: 10s
`)
	withConfigPaths(t, userPath, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Supervisor.BasePort)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.RPCTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, GetDefaultConfig().Supervisor.HealthCheckAttempts, cfg.Supervisor.HealthCheckAttempts)
}

func TestLoadConfigProjectOverridesUser(t *testing.T) {
	userPath := writeConfig(t, t.TempDir(), `
globalSettings:
  dataDir: /tmp/user-data
supervisor:
  basePort: 9000
credentials:
  API_KEY: from-user
  SHARED: user-value
`)
	projectPath := writeConfig(t, t.TempDir(), `
supervisor:
  basePort: 9500
credentials:
  SHARED: project-value
`)
	withConfigPaths(t, userPath, projectPath)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Supervisor.BasePort, "project layer wins")
	assert.Equal(t, "/tmp/user-data", cfg.GlobalSettings.DataDir, "user layer survives where project is silent")
	assert.Equal(t, "from-user", cfg.Credentials["API_KEY"])
	assert.Equal(t, "project-value", cfg.Credentials["SHARED"])
}

func TestLoadConfigMalformedFileFails(t *testing.T) {
	userPath := writeConfig(t, t.TempDir(), "supervisor: [not a mapping")
	withConfigPaths(t, userPath, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestResolveCredential(t *testing.T) {
	cfg := AgentctlConfig{Credentials: map[string]string{
		"FROM_CONFIG": "config-value",
		"EMPTY":       "",
	}}

	value, ok := cfg.ResolveCredential("FROM_CONFIG")
	assert.True(t, ok)
	assert.Equal(t, "config-value", value)

	_, ok = cfg.ResolveCredential("EMPTY")
	assert.False(t, ok, "empty values do not count as present")

	_, ok = cfg.ResolveCredential("ABSENT_CREDENTIAL")
	assert.False(t, ok)

	// The process environment wins over the config file.
	t.Setenv("FROM_CONFIG", "env-value")
	value, ok = cfg.ResolveCredential("FROM_CONFIG")
	assert.True(t, ok)
	assert.Equal(t, "env-value", value)
}

func TestValidateEntityName(t *testing.T) {
	assert.NoError(t, ValidateEntityName("valid-name_1.2", "workload"))
	assert.Error(t, ValidateEntityName("", "workload"))
	assert.Error(t, ValidateEntityName("has space", "workload"))
	assert.Error(t, ValidateEntityName("slash/name", "workload"))
}

func TestValidateOneOf(t *testing.T) {
	assert.NoError(t, ValidateOneOf("kind", "agent", []string{"agent", "local-tool-server"}))
	err := ValidateOneOf("kind", "daemon", []string{"agent", "local-tool-server"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon")
}

func TestValidationErrorsCollect(t *testing.T) {
	var errs ValidationErrors
	assert.False(t, errs.HasErrors())

	errs.Add("name", "is required")
	errs.Add("kind", "is bogus")
	assert.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "name: is required")
	assert.Contains(t, errs.Error(), "kind: is bogus")
}
