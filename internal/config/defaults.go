package config

import "time"

// GetDefaultConfig returns the built-in configuration that user and project
// config files are layered on top of.
func GetDefaultConfig() AgentctlConfig {
	return AgentctlConfig{
		Supervisor: SupervisorConfig{
			BasePort:            4100,
			HealthCheckAttempts: 30,
			HealthCheckInterval: 200 * time.Millisecond,
			ProbeTimeout:        1 * time.Second,
			RPCTimeout:          30 * time.Second,
			ShutdownGrace:       10 * time.Second,
		},
		Credentials: map[string]string{},
	}
}
