package config

import (
	"time"
)

// AgentctlConfig is the top-level configuration structure for agentctl.
type AgentctlConfig struct {
	GlobalSettings GlobalSettings    `yaml:"globalSettings"`
	Supervisor     SupervisorConfig  `yaml:"supervisor"`
	Credentials    map[string]string `yaml:"credentials,omitempty"`
}

// GlobalSettings holds settings that apply across the whole process.
type GlobalSettings struct {
	// DataDir is the root directory for workload records and per-workload
	// working directories. Defaults to ~/.agentctl when empty.
	DataDir string `yaml:"dataDir,omitempty"`
}

// SupervisorConfig tunes the process supervisor's lifecycle behavior.
type SupervisorConfig struct {
	// BasePort is the first candidate port handed to the port allocator.
	BasePort int `yaml:"basePort,omitempty"`

	// HealthCheckAttempts is the number of health probes performed while
	// waiting for a freshly spawned workload to become ready.
	HealthCheckAttempts int `yaml:"healthCheckAttempts,omitempty"`

	// HealthCheckInterval is the pause between startup health probes.
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval,omitempty"`

	// ProbeTimeout bounds a single health probe request.
	ProbeTimeout time.Duration `yaml:"probeTimeout,omitempty"`

	// RPCTimeout bounds a single stdio JSON-RPC call to a tool server.
	RPCTimeout time.Duration `yaml:"rpcTimeout,omitempty"`

	// ShutdownGrace bounds the whole best-effort teardown on termination.
	ShutdownGrace time.Duration `yaml:"shutdownGrace,omitempty"`
}
