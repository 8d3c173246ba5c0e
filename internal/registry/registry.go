// Package registry implements the Project Registry: a flat, JSON-persisted
// enumeration of initialized project roots, deduplicated by path.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Project is one registered project root.
type Project struct {
	ProjectID     string `json:"project_id"`
	RootPath      string `json:"root_path"`
	InitializedAt string `json:"initialized_at"`
}

// Registry is the persisted list of known projects. Zero value is usable
// only via Load; consumers treat it as read-mostly and reload on
// reload_policy.
type Registry struct {
	mu       sync.RWMutex
	path     string
	Projects []Project `json:"projects"`
}

// Load reads the registry from path, returning an empty registry if the
// file doesn't exist yet. A malformed file is reported as an error rather
// than silently treated as empty, since losing project registrations is a
// more serious failure than a missing position-store entry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project registry: %w", err)
	}

	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse project registry: %w", err)
	}
	r.path = path
	return r, nil
}

// Save writes the registry atomically (write-temp + rename).
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".projects-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp registry file: %w", err)
	}
	return os.Rename(tmpPath, r.path)
}

// Register upserts a project by root path, replacing any existing entry for
// the same root.
func (r *Registry) Register(projectID, rootPath string) Project {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.Projects[:0]
	for _, p := range r.Projects {
		if p.RootPath != rootPath {
			kept = append(kept, p)
		}
	}

	p := Project{
		ProjectID:     projectID,
		RootPath:      rootPath,
		InitializedAt: time.Now().UTC().Format(time.RFC3339),
	}
	r.Projects = append(kept, p)
	return p
}

// FindByPath returns the registered project for rootPath, if any.
func (r *Registry) FindByPath(rootPath string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.Projects {
		if p.RootPath == rootPath {
			return p, true
		}
	}
	return Project{}, false
}

// All returns a snapshot copy of every registered project.
func (r *Registry) All() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Project, len(r.Projects))
	copy(out, r.Projects)
	return out
}

// Reload re-reads the registry from disk in place, used on the
// control-plane reload_policy call.
func (r *Registry) Reload() error {
	fresh, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.Projects = fresh.Projects
	r.mu.Unlock()
	return nil
}
