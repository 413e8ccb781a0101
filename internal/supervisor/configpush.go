package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"agentctl/internal/store"
	"agentctl/pkg/logging"
)

const configPushTimeout = 5 * time.Second

// ConfigPushFunc delivers the declarative configuration to a freshly started
// agent workload once it is healthy.
type ConfigPushFunc func(ctx context.Context, w *store.Workload, port int) error

// workloadConfig is the document POSTed to an agent's /config endpoint.
type workloadConfig struct {
	Capabilities map[string]bool      `json:"capabilities,omitempty"`
	ToolServers  []toolServerEndpoint `json:"toolServers"`
	DataDir      string               `json:"dataDir,omitempty"`
}

type toolServerEndpoint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// pushWorkloadConfig builds the config for a started agent (capability
// toggles plus the endpoints of every bridged tool server) and POSTs it.
// The returned error is for the caller to log: a failed push leaves the
// workload running but unconfigured.
func (s *Supervisor) pushWorkloadConfig(ctx context.Context, w *store.Workload, port int) error {
	doc := workloadConfig{Capabilities: w.Capabilities}

	s.mu.Lock()
	for id, handle := range s.registry {
		if handle.Proxy == nil {
			continue
		}
		name := id
		if rec, ok := s.store.Get(id); ok {
			name = rec.Name
		}
		doc.ToolServers = append(doc.ToolServers, toolServerEndpoint{
			ID:   id,
			Name: name,
			URL:  fmt.Sprintf("http://127.0.0.1:%d/mcp", handle.Proxy.Port()),
		})
	}
	s.mu.Unlock()

	sort.Slice(doc.ToolServers, func(i, j int) bool {
		return doc.ToolServers[i].ID < doc.ToolServers[j].ID
	})

	if dataDir, err := s.store.DataDir(w.ID); err == nil {
		doc.DataDir = dataDir
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling config for %s: %w", w.ID, err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, configPushTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/config", port)
	req, err := http.NewRequestWithContext(pushCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("config push to %s: %w", w.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("config push to %s: status %d", w.ID, resp.StatusCode)
	}

	logging.Debug("Supervisor", "Pushed config to %s (%d tool servers)", w.ID, len(doc.ToolServers))
	return nil
}
