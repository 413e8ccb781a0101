package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/agentctl"
	projectConfigDir = ".agentctl"
	configFileName   = "config.yaml"
)

// LoadConfig loads the agentctl configuration by layering default, user, and
// project settings.
func LoadConfig() (AgentctlConfig, error) {
	config := GetDefaultConfig()

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// User config is optional; continue with defaults.
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else {
		if _, err := os.Stat(userConfigPath); !os.IsNotExist(err) {
			userConfig, err := loadConfigFromFile(userConfigPath)
			if err != nil {
				return AgentctlConfig{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
			}
			config = mergeConfigs(config, userConfig)
		}
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else {
		if _, err := os.Stat(projectConfigPath); !os.IsNotExist(err) {
			projectConfig, err := loadConfigFromFile(projectConfigPath)
			if err != nil {
				return AgentctlConfig{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
			}
			config = mergeConfigs(config, projectConfig)
		}
	}

	if config.GlobalSettings.DataDir == "" {
		homeDir, err := osUserHomeDir()
		if err != nil {
			return AgentctlConfig{}, fmt.Errorf("could not determine home directory for data dir: %w", err)
		}
		config.GlobalSettings.DataDir = filepath.Join(homeDir, ".agentctl")
	}

	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile loads an AgentctlConfig from a YAML file.
func loadConfigFromFile(filePath string) (AgentctlConfig, error) {
	var config AgentctlConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return AgentctlConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return AgentctlConfig{}, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	return config, nil
}

// mergeConfigs overlays non-zero fields of overlay onto base.
func mergeConfigs(base, overlay AgentctlConfig) AgentctlConfig {
	merged := base

	if overlay.GlobalSettings.DataDir != "" {
		merged.GlobalSettings.DataDir = overlay.GlobalSettings.DataDir
	}
	if overlay.Supervisor.BasePort != 0 {
		merged.Supervisor.BasePort = overlay.Supervisor.BasePort
	}
	if overlay.Supervisor.HealthCheckAttempts != 0 {
		merged.Supervisor.HealthCheckAttempts = overlay.Supervisor.HealthCheckAttempts
	}
	if overlay.Supervisor.HealthCheckInterval != 0 {
		merged.Supervisor.HealthCheckInterval = overlay.Supervisor.HealthCheckInterval
	}
	if overlay.Supervisor.ProbeTimeout != 0 {
		merged.Supervisor.ProbeTimeout = overlay.Supervisor.ProbeTimeout
	}
	if overlay.Supervisor.RPCTimeout != 0 {
		merged.Supervisor.RPCTimeout = overlay.Supervisor.RPCTimeout
	}
	if overlay.Supervisor.ShutdownGrace != 0 {
		merged.Supervisor.ShutdownGrace = overlay.Supervisor.ShutdownGrace
	}
	for name, value := range overlay.Credentials {
		if merged.Credentials == nil {
			merged.Credentials = map[string]string{}
		}
		merged.Credentials[name] = value
	}

	return merged
}

// ResolveCredential resolves a named credential. The process environment wins
// over the configuration file, so operators can override secrets without
// editing config.
func (c AgentctlConfig) ResolveCredential(name string) (string, bool) {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value, true
	}
	value, ok := c.Credentials[name]
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
