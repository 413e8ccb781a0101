package supervisor

import (
	"context"

	"agentctl/internal/store"
	"agentctl/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// ReconcileAtBoot restores the world after a supervisor restart. Processes
// never survive a restart of the supervisor itself, so every workload whose
// persisted status says running either left an orphan listening on its port
// or died with the previous supervisor. Orphans are evicted, persisted
// statuses reset to stopped, and the workloads restarted in parallel. One
// workload's failure is reported on its own and never blocks another's
// restart.
func (s *Supervisor) ReconcileAtBoot(ctx context.Context) {
	// A crash mid-start leaves records in starting; those never confirmed
	// healthy, so they are cleaned up but not auto-restarted.
	for _, w := range s.store.ListByStatus(store.StatusStarting) {
		if w.Port != 0 {
			s.clearPort(ctx, w.Port)
		}
		if err := s.store.SetStatus(w.ID, store.StatusStopped, 0, ""); err != nil {
			logging.Error("Supervisor", err, "Failed to reset status for %s", w.ID)
		}
	}

	stale := s.store.ListByStatus(store.StatusRunning)
	if len(stale) == 0 {
		logging.Info("Supervisor", "Boot reconciliation: no workloads to restore")
		return
	}
	logging.Info("Supervisor", "Boot reconciliation: restoring %d workload(s)", len(stale))

	var g errgroup.Group
	for _, w := range stale {
		w := w
		g.Go(func() error {
			if w.Port != 0 {
				s.clearPort(ctx, w.Port)
			}
			if err := s.store.SetStatus(w.ID, store.StatusStopped, 0, ""); err != nil {
				logging.Error("Supervisor", err, "Failed to reset status for %s", w.ID)
				return nil
			}
			if _, err := s.Start(ctx, w.ID); err != nil {
				logging.Error("Supervisor", err, "Failed to restart workload %s after boot", w.ID)
			}
			return nil
		})
	}
	g.Wait()
}
