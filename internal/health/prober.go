package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"agentctl/pkg/logging"
)

// healthPath is the well-known health endpoint every local workload exposes
// on its assigned port.
const healthPath = "/health"

// Prober polls a workload's health endpoint. Absence of health is a normal,
// expected outcome the caller branches on, so the probe methods return bools
// rather than errors.
type Prober struct {
	client *http.Client
}

// NewProber creates a prober whose individual requests are bounded by
// probeTimeout.
func NewProber(probeTimeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{Timeout: probeTimeout},
	}
}

// WaitHealthy polls GET /health on the port until it answers 2xx, up to
// maxAttempts probes spaced by interval. Returns false once the attempts are
// exhausted or the context is canceled.
func (p *Prober) WaitHealthy(ctx context.Context, port, maxAttempts int, interval time.Duration) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.probe(ctx, port) {
			logging.Debug("HealthProber", "Port %d healthy after %d attempt(s)", port, attempt)
			return true
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	logging.Debug("HealthProber", "Port %d not healthy after %d attempts", port, maxAttempts)
	return false
}

// ProbeOnce issues a single probe with its own short timeout. Used for
// opportunistic orphan detection at boot.
func (p *Prober) ProbeOnce(ctx context.Context, port int, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.probe(probeCtx, port)
}

func (p *Prober) probe(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Connection refused and timeouts both mean "not healthy yet".
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
