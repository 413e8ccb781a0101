package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentctl/internal/config"
	"agentctl/pkg/logging"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const workloadsSubdir = "workloads"
const dataSubdir = "data"

// Store persists workload records as one YAML file per workload under
// <dir>/workloads/. It keeps an in-memory cache guarded by a mutex; the
// cache is authoritative between Open and process exit.
type Store struct {
	mu        sync.RWMutex
	dir       string
	workloads map[string]*Workload
}

// Open loads all workload records from dir, creating the directory layout if
// it does not exist yet.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:       dir,
		workloads: make(map[string]*Workload),
	}

	workloadsDir := filepath.Join(dir, workloadsSubdir)
	if err := os.MkdirAll(workloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workloads directory: %w", err)
	}

	entries, err := os.ReadDir(workloadsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workloads directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(workloadsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warn("Store", "Skipping unreadable workload file %s: %v", path, err)
			continue
		}
		var w Workload
		if err := yaml.Unmarshal(data, &w); err != nil {
			logging.Warn("Store", "Skipping malformed workload file %s: %v", path, err)
			continue
		}
		if err := validateWorkload(&w); err != nil {
			logging.Warn("Store", "Skipping invalid workload file %s: %v", path, err)
			continue
		}
		s.workloads[w.ID] = &w
	}

	logging.Info("Store", "Loaded %d workload records from %s", len(s.workloads), workloadsDir)
	return s, nil
}

func validateWorkload(w *Workload) error {
	var errs config.ValidationErrors

	if strings.TrimSpace(w.ID) == "" {
		errs.Add("id", "is required")
	}
	if err := config.ValidateEntityName(w.Name, "workload"); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	if err := config.ValidateOneOf("kind", string(w.Kind), []string{string(KindAgent), string(KindToolServer)}); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	if len(w.Command) == 0 && w.RemoteURL == "" {
		errs.Add("command", "is required unless remoteUrl is set")
	}
	for i, c := range w.Command {
		if strings.TrimSpace(c) == "" {
			errs.Add(fmt.Sprintf("command[%d]", i), "command element cannot be empty")
		}
	}
	if w.Kind == KindToolServer && w.RemoteURL != "" {
		errs.Add("remoteUrl", "tool servers are always local")
	}

	if errs.HasErrors() {
		return config.FormatValidationError("workload", w.Name, errs)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, workloadsSubdir, id+".yaml")
}

func (s *Store) saveLocked(w *Workload) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workload %s: %w", w.ID, err)
	}
	if err := os.WriteFile(s.path(w.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to save workload %s: %w", w.ID, err)
	}
	return nil
}

// Create validates and persists a new workload record. An empty ID is
// replaced with a generated one. New records always start out stopped.
func (s *Store) Create(w Workload) (Workload, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Status = StatusStopped
	w.Port = 0
	w.LastError = ""

	if err := validateWorkload(&w); err != nil {
		return Workload{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workloads[w.ID]; exists {
		return Workload{}, fmt.Errorf("workload %q already exists", w.ID)
	}
	if err := s.saveLocked(&w); err != nil {
		return Workload{}, err
	}
	s.workloads[w.ID] = &w

	logging.Info("Store", "Created workload %s (%s, kind: %s)", w.ID, w.Name, w.Kind)
	return w, nil
}

// Get returns a copy of the workload record.
func (s *Store) Get(id string) (Workload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.workloads[id]
	if !exists {
		return Workload{}, false
	}
	return *w, true
}

// List returns copies of all workload records.
func (s *Store) List() []Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Workload, 0, len(s.workloads))
	for _, w := range s.workloads {
		result = append(result, *w)
	}
	return result
}

// ListByStatus returns copies of all workloads with the given persisted
// status.
func (s *Store) ListByStatus(status WorkloadStatus) []Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Workload
	for _, w := range s.workloads {
		if w.Status == status {
			result = append(result, *w)
		}
	}
	return result
}

// Update validates and persists changes to an existing workload's definition
// fields. Lifecycle fields (status, port, lastError) are preserved from the
// stored record; use SetStatus for those.
func (s *Store) Update(id string, w Workload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.workloads[id]
	if !exists {
		return fmt.Errorf("workload %q not found", id)
	}

	w.ID = id
	w.Status = existing.Status
	w.Port = existing.Port
	w.LastError = existing.LastError

	if err := validateWorkload(&w); err != nil {
		return err
	}
	if err := s.saveLocked(&w); err != nil {
		return err
	}
	*existing = w

	logging.Info("Store", "Updated workload %s (%s)", id, w.Name)
	return nil
}

// SetStatus persists a lifecycle transition. Port carries the assigned port
// for starting/running workloads and must be zero otherwise.
func (s *Store) SetStatus(id string, status WorkloadStatus, port int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.workloads[id]
	if !exists {
		return fmt.Errorf("workload %q not found", id)
	}

	w.Status = status
	w.Port = port
	w.LastError = lastError

	return s.saveLocked(w)
}

// Delete removes the workload record from disk and memory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workloads[id]; !exists {
		return fmt.Errorf("workload %q not found", id)
	}

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete workload %s: %w", id, err)
	}
	delete(s.workloads, id)

	logging.Info("Store", "Deleted workload %s", id)
	return nil
}

// DataDir returns the workload's scratch directory, creating it on first
// use. The path is handed to spawned processes via the environment.
func (s *Store) DataDir(id string) (string, error) {
	dir := filepath.Join(s.dir, dataSubdir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory for %s: %w", id, err)
	}
	return dir, nil
}

// PurgeData removes the workload's scratch directory and everything in it.
func (s *Store) PurgeData(id string) error {
	dir := filepath.Join(s.dir, dataSubdir, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to purge data for %s: %w", id, err)
	}
	return nil
}
