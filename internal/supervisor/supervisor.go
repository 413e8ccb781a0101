package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"agentctl/internal/bridge"
	"agentctl/internal/config"
	"agentctl/internal/health"
	"agentctl/internal/ports"
	"agentctl/internal/store"
	"agentctl/pkg/logging"
)

const (
	orphanProbeTimeout = 500 * time.Millisecond
	orphanShutdownWait = 1 * time.Second
	gracefulTimeout    = 2 * time.Second
	restartPause       = 1 * time.Second
)

// Supervisor owns the authoritative in-memory registry of running workloads
// and drives their whole lifecycle: port allocation, spawning, health
// confirmation, bridging, config push, teardown and boot reconciliation.
// All mutable state lives on the instance so multiple supervisors can
// coexist in tests.
type Supervisor struct {
	cfg        config.AgentctlConfig
	store      *store.Store
	allocator  *ports.Allocator
	prober     *health.Prober
	httpClient *http.Client

	// pushConfig delivers the declarative config to a started agent.
	// Replaceable by embedders; nil disables onboarding.
	pushConfig ConfigPushFunc

	mu       sync.Mutex
	registry map[string]*ProcessHandle
	starting map[string]struct{}
	remotes  map[string]*bridge.RemoteClient
}

// New creates a supervisor over the given store. Nothing is started until
// Start or ReconcileAtBoot is called.
func New(cfg config.AgentctlConfig, st *store.Store) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		store:      st,
		allocator:  ports.NewAllocator(cfg.Supervisor.BasePort),
		prober:     health.NewProber(cfg.Supervisor.ProbeTimeout),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		registry:   make(map[string]*ProcessHandle),
		starting:   make(map[string]struct{}),
		remotes:    make(map[string]*bridge.RemoteClient),
	}
	s.pushConfig = s.pushWorkloadConfig
	return s
}

// SetConfigPush replaces the config-push callback.
func (s *Supervisor) SetConfigPush(fn ConfigPushFunc) {
	s.pushConfig = fn
}

// Handle returns the live process handle for a workload, if one is
// registered.
func (s *Supervisor) Handle(id string) (*ProcessHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.registry[id]
	return h, ok
}

// Start spawns a workload's process, waits for it to become ready, and
// records it as running. Concurrent duplicate starts for the same id are
// rejected, not queued.
func (s *Supervisor) Start(ctx context.Context, id string) (int, error) {
	w, ok := s.store.Get(id)
	if !ok {
		return 0, fmt.Errorf("workload %q not found", id)
	}
	if !w.IsLocal() {
		return 0, fmt.Errorf("workload %q is remote-only and cannot be started locally", id)
	}

	s.mu.Lock()
	if _, exists := s.registry[id]; exists {
		s.mu.Unlock()
		return 0, fmt.Errorf("workload %q: %w", id, ErrAlreadyRunning)
	}
	if _, inFlight := s.starting[id]; inFlight {
		s.mu.Unlock()
		return 0, fmt.Errorf("workload %q: %w", id, ErrStartInProgress)
	}
	s.starting[id] = struct{}{}
	s.mu.Unlock()

	// Guard membership is dropped on every exit path.
	defer func() {
		s.mu.Lock()
		delete(s.starting, id)
		s.mu.Unlock()
	}()

	secrets, err := s.resolveCredentials(&w)
	if err != nil {
		s.store.SetStatus(id, store.StatusError, 0, err.Error())
		return 0, err
	}

	port, err := s.allocator.Allocate()
	if err != nil {
		s.store.SetStatus(id, store.StatusError, 0, err.Error())
		return 0, err
	}

	s.clearPort(ctx, port)

	handle, err := s.spawnWorkload(&w, port, secrets)
	if err != nil {
		s.store.SetStatus(id, store.StatusError, 0, err.Error())
		return 0, err
	}

	// Register immediately, before health confirmation, so a concurrent
	// stop/delete can still find and kill the process.
	s.mu.Lock()
	s.registry[id] = handle
	s.mu.Unlock()
	s.store.SetStatus(id, store.StatusStarting, port, "")

	if err := s.confirmReady(ctx, &w, handle); err != nil {
		handle.Kill()
		s.mu.Lock()
		delete(s.registry, id)
		s.mu.Unlock()
		s.store.SetStatus(id, store.StatusError, 0, err.Error())
		return 0, err
	}

	if w.Kind == store.KindToolServer {
		proxy := bridge.NewProxy(handle.Bridge, port)
		if err := proxy.Start(); err != nil {
			handle.Kill()
			s.mu.Lock()
			delete(s.registry, id)
			s.mu.Unlock()
			s.store.SetStatus(id, store.StatusError, 0, err.Error())
			return 0, err
		}
		handle.Proxy = proxy
	}

	// Onboarding. A failed push degrades the workload to running but
	// unconfigured; it does not roll back the start.
	if w.Kind == store.KindAgent && s.pushConfig != nil {
		if err := s.pushConfig(ctx, &w, port); err != nil {
			logging.Warn("Supervisor", "Config push for %s failed, workload stays running: %v", id, err)
		}
	}

	if err := s.store.SetStatus(id, store.StatusRunning, port, ""); err != nil {
		logging.Error("Supervisor", err, "Failed to persist running status for %s", id)
	}
	logging.Info("Supervisor", "Workload %s (%s) running on port %d", id, w.Name, port)
	return port, nil
}

// confirmReady waits until a freshly spawned workload is usable. Agents must
// answer their health endpoint; tool servers must complete the protocol
// handshake over stdio.
func (s *Supervisor) confirmReady(ctx context.Context, w *store.Workload, handle *ProcessHandle) error {
	if w.Kind == store.KindToolServer {
		if _, err := handle.Bridge.Initialize(ctx); err != nil {
			return fmt.Errorf("handshake with %s failed: %w", w.Name, err)
		}
		return nil
	}
	if !s.prober.WaitHealthy(ctx, handle.Port, s.cfg.Supervisor.HealthCheckAttempts, s.cfg.Supervisor.HealthCheckInterval) {
		return fmt.Errorf("workload %s on port %d: %w", w.Name, handle.Port, ErrHealthCheckTimeout)
	}
	return nil
}

func (s *Supervisor) resolveCredentials(w *store.Workload) (map[string]string, error) {
	secrets := make(map[string]string, len(w.Credentials))
	for _, name := range w.Credentials {
		value, ok := s.cfg.ResolveCredential(name)
		if !ok {
			return nil, fmt.Errorf("workload %s requires %s: %w", w.ID, name, ErrMissingCredential)
		}
		secrets[name] = value
	}
	return secrets, nil
}

// clearPort evicts whatever is still answering on a port before it is handed
// to a new process: graceful shutdown request first, then a re-probe, then
// an OS-level kill of the occupant if it is still there.
func (s *Supervisor) clearPort(ctx context.Context, port int) {
	if !s.prober.ProbeOnce(ctx, port, orphanProbeTimeout) {
		return
	}
	logging.Warn("Supervisor", "Port %d is already answering health checks; evicting orphan", port)

	s.requestShutdown(ctx, port)
	time.Sleep(orphanShutdownWait)

	if s.prober.ProbeOnce(ctx, port, orphanProbeTimeout) {
		if err := killProcessOnPort(port); err != nil {
			logging.Error("Supervisor", err, "Failed to clear port %d", port)
		}
	}
}

// requestShutdown POSTs the graceful-shutdown endpoint on the port.
// Best-effort: failures are ignored and a forced kill always follows.
func (s *Supervisor) requestShutdown(ctx context.Context, port int) {
	shutdownCtx, cancel := context.WithTimeout(ctx, gracefulTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/shutdown", port)
	req, err := http.NewRequestWithContext(shutdownCtx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		logging.Debug("Supervisor", "Graceful shutdown request to port %d failed: %v", port, err)
		return
	}
	resp.Body.Close()
}

// Stop terminates a workload's process and releases its registry entry.
// Stopping a workload with no registry entry is a no-op success.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	handle, exists := s.registry[id]
	if !exists {
		s.mu.Unlock()
		logging.Debug("Supervisor", "Stop of %s: no process registered, nothing to do", id)
		return nil
	}
	delete(s.registry, id)
	s.mu.Unlock()

	s.stopHandle(ctx, handle)

	if err := s.store.SetStatus(id, store.StatusStopped, 0, ""); err != nil {
		return err
	}
	logging.Info("Supervisor", "Stopped workload %s", id)
	return nil
}

// stopHandle tears one process down: graceful attempt, proxy shutdown, then
// an unconditional kill.
func (s *Supervisor) stopHandle(ctx context.Context, handle *ProcessHandle) {
	if handle.Bridge == nil {
		s.requestShutdown(ctx, handle.Port)
	} else if handle.stdin != nil {
		// Closing stdin is the stdio equivalent of a graceful shutdown
		// request: well-behaved tool servers exit on EOF.
		handle.stdin.Close()
		select {
		case <-handle.waitCh:
		case <-time.After(gracefulTimeout):
		}
	}

	if handle.Proxy != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, gracefulTimeout)
		if err := handle.Proxy.Shutdown(shutdownCtx); err != nil {
			logging.Debug("Supervisor", "Proxy shutdown for %s: %v", handle.WorkloadID, err)
		}
		cancel()
	}

	handle.Kill()
}

// Delete stops the workload, discards its persisted data directory, and
// removes the workload record.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	if err := s.store.PurgeData(id); err != nil {
		logging.Warn("Supervisor", "Failed to purge data for %s: %v", id, err)
	}
	s.mu.Lock()
	delete(s.remotes, id)
	s.mu.Unlock()
	return s.store.Delete(id)
}

// Restart stops the workload, pauses briefly, and starts it again.
func (s *Supervisor) Restart(ctx context.Context, id string) (int, error) {
	if err := s.Stop(ctx, id); err != nil {
		return 0, err
	}
	select {
	case <-time.After(restartPause):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return s.Start(ctx, id)
}

// CheckHealth reports whether a registered workload currently answers.
// Process death is otherwise discovered lazily, the next time something
// talks to the workload.
func (s *Supervisor) CheckHealth(ctx context.Context, id string) bool {
	s.mu.Lock()
	handle, exists := s.registry[id]
	s.mu.Unlock()
	if !exists {
		return false
	}
	if handle.Bridge != nil {
		// Listing tools doubles as the liveness check for bridged servers.
		_, err := handle.Bridge.ListTools(ctx)
		return err == nil
	}
	return s.prober.ProbeOnce(ctx, handle.Port, s.cfg.Supervisor.ProbeTimeout)
}

// RemoteFor returns the remote RPC client for a workload that exposes its
// own endpoint rather than being spawned locally. Clients are cached so the
// session id survives across calls.
func (s *Supervisor) RemoteFor(id string) (*bridge.RemoteClient, error) {
	w, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("workload %q not found", id)
	}
	if w.RemoteURL == "" {
		return nil, fmt.Errorf("workload %q has no remote endpoint", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.remotes[id]; ok {
		return client, nil
	}
	client := bridge.NewRemoteClient(w.RemoteURL)
	s.remotes[id] = client
	return client, nil
}
