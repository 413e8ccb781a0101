package supervisor

import "errors"

// Lifecycle error taxonomy. AlreadyRunning and StartInProgress are caller
// errors rejected immediately. MissingCredential is a configuration error
// surfaced to the operator and never retried automatically.
// HealthCheckTimeout is an operational failure: the process spawned but
// never became ready, so it is killed and the workload is marked error until
// a human or an explicit re-start resolves it.
var (
	ErrAlreadyRunning     = errors.New("workload already running")
	ErrStartInProgress    = errors.New("workload start already in progress")
	ErrMissingCredential  = errors.New("missing required credential")
	ErrHealthCheckTimeout = errors.New("workload never became healthy")
)
