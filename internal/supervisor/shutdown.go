package supervisor

import (
	"context"

	"agentctl/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Shutdown tears down every registered workload on a termination signal:
// best-effort graceful attempt, then a forced kill, fanned out in parallel
// and bounded by the configured grace period. Persisted statuses are left
// untouched so the next boot's reconciliation restarts everything.
func (s *Supervisor) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Supervisor.ShutdownGrace)
	defer cancel()

	s.mu.Lock()
	handles := make([]*ProcessHandle, 0, len(s.registry))
	for id, h := range s.registry {
		handles = append(handles, h)
		delete(s.registry, id)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	logging.Info("Supervisor", "Shutting down %d workload(s)", len(handles))

	var g errgroup.Group
	for _, handle := range handles {
		handle := handle
		g.Go(func() error {
			s.stopHandle(ctx, handle)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("Supervisor", "Shutdown complete")
	case <-ctx.Done():
		logging.Warn("Supervisor", "Shutdown grace expired with workloads still terminating")
	}
}
