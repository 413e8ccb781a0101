package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"agentctl/pkg/logging"
)

// ErrPortExhausted is returned when no free port is found within the
// allocator's attempt budget.
var ErrPortExhausted = errors.New("no free port found")

// maxProbeAttempts bounds how many candidate ports a single Allocate call
// will probe before giving up.
const maxProbeAttempts = 100

// Allocator hands out TCP ports for new workloads. It keeps a monotonically
// increasing candidate counter but never trusts it alone: every candidate is
// verified with a real bind probe, because a previous owner of a port may
// have exited uncleanly without this supervisor noticing.
type Allocator struct {
	mu   sync.Mutex
	next int
}

// NewAllocator creates an allocator that starts probing at basePort.
func NewAllocator(basePort int) *Allocator {
	return &Allocator{next: basePort}
}

// Allocate returns a port that was free at probe time. The candidate counter
// advances past occupied ports so that subsequent calls do not re-probe them.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		candidate := a.next
		a.next++

		if probeBind(candidate) {
			logging.Debug("PortAllocator", "Allocated port %d", candidate)
			return candidate, nil
		}
		logging.Info("PortAllocator", "Port %d is already in use, trying next", candidate)
	}

	return 0, fmt.Errorf("%w after %d attempts", ErrPortExhausted, maxProbeAttempts)
}

// probeBind opens and immediately closes a listening socket. Success means
// the port is free; an address-in-use failure means something else holds it.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
