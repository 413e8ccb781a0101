package store

// WorkloadKind distinguishes the two kinds of supervised processes.
type WorkloadKind string

const (
	// KindAgent is an agent binary that binds its assigned port and exposes
	// /health, /shutdown and /config itself.
	KindAgent WorkloadKind = "agent"
	// KindToolServer is a local MCP tool server speaking JSON-RPC over its
	// standard streams; the supervisor bridges it onto HTTP.
	KindToolServer WorkloadKind = "local-tool-server"
)

// WorkloadStatus is the persisted lifecycle status of a workload. The status
// reflects the last known state across supervisor restarts; the in-memory
// registry is the source of truth for whether a process is alive right now.
type WorkloadStatus string

const (
	StatusStopped  WorkloadStatus = "stopped"
	StatusStarting WorkloadStatus = "starting"
	StatusRunning  WorkloadStatus = "running"
	StatusError    WorkloadStatus = "error"
)

// Workload is a unit the supervisor manages. Records are created by the
// management layer and mutated exclusively through the supervisor's
// lifecycle operations.
type Workload struct {
	ID   string       `yaml:"id"`
	Name string       `yaml:"name"`
	Kind WorkloadKind `yaml:"kind"`

	// Command is the executable and its arguments. Nil for remote-only
	// workloads reached through the remote RPC client.
	Command []string `yaml:"command,omitempty"`

	// Env holds plain (non-secret) environment variables for the process.
	Env map[string]string `yaml:"env,omitempty"`

	// Credentials lists the names of secret environment variables the
	// workload requires. Values are resolved from configuration or the
	// supervisor's environment at start time, never persisted here.
	Credentials []string `yaml:"credentials,omitempty"`

	// RemoteURL is set for remote-only workloads that already expose their
	// own MCP endpoint.
	RemoteURL string `yaml:"remoteUrl,omitempty"`

	// Capabilities are feature toggles pushed to agent workloads once they
	// are healthy.
	Capabilities map[string]bool `yaml:"capabilities,omitempty"`

	Port      int            `yaml:"port,omitempty"`
	Status    WorkloadStatus `yaml:"status"`
	LastError string         `yaml:"lastError,omitempty"`
}

// IsLocal reports whether the workload is spawned and owned by this
// supervisor, as opposed to a remote endpoint it merely talks to.
func (w *Workload) IsLocal() bool {
	return len(w.Command) > 0
}
