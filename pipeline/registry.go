package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"bridge.linelead.io/model"
)

// Registry owns every Process record. Records are persisted to disk on each
// mutation so the pipeline can resume or terminate in-flight processes after
// a restart.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*model.Process
	path      string
}

// NewRegistry loads any persisted process records.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		processes: make(map[string]*model.Process),
		path:      path,
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read process registry: %w", err)
		}
		if err == nil {
			var records []*model.Process
			if err := json.Unmarshal(data, &records); err != nil {
				return nil, fmt.Errorf("corrupt process registry: %w", err)
			}
			for _, p := range records {
				r.processes[p.ProcessID] = p
			}
		}
	}
	return r, nil
}

// Put inserts or replaces a record and persists.
func (r *Registry) Put(p *model.Process) {
	r.mu.Lock()
	r.processes[p.ProcessID] = p
	r.mu.Unlock()
	r.persist()
}

// Get returns a copy of the record.
func (r *Registry) Get(processID string) (model.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[processID]
	if !ok {
		return model.Process{}, false
	}
	return *p, true
}

// Update applies fn to the record under the lock and persists.
func (r *Registry) Update(processID string, fn func(*model.Process)) bool {
	r.mu.Lock()
	p, ok := r.processes[processID]
	if ok {
		fn(p)
	}
	r.mu.Unlock()
	if ok {
		r.persist()
	}
	return ok
}

// List returns copies of all records, newest first.
func (r *Registry) List() []model.Process {
	r.mu.RLock()
	out := make([]model.Process, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of running processes.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.processes {
		if p.TerminalState == model.ProcessRunning {
			n++
		}
	}
	return n
}

// Active returns copies of the running processes.
func (r *Registry) Active() []model.Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Process
	for _, p := range r.processes {
		if p.TerminalState == model.ProcessRunning {
			out = append(out, *p)
		}
	}
	return out
}

// Delete removes a record and its stored upload.
func (r *Registry) Delete(processID string) bool {
	r.mu.Lock()
	p, ok := r.processes[processID]
	if ok {
		delete(r.processes, processID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if p.StoredPath != "" {
		_ = os.Remove(p.StoredPath)
	}
	r.persist()
	return true
}

// Sweep removes terminal records older than maxAge and returns their ids.
func (r *Registry) Sweep(maxAge time.Duration, now time.Time) []string {
	cutoff := now.Add(-maxAge)
	r.mu.Lock()
	var removed []string
	for id, p := range r.processes {
		if p.TerminalState != model.ProcessRunning && p.CreatedAt.Before(cutoff) {
			if p.StoredPath != "" {
				_ = os.Remove(p.StoredPath)
			}
			delete(r.processes, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()
	if len(removed) > 0 {
		r.persist()
	}
	return removed
}

func (r *Registry) persist() {
	if r.path == "" {
		return
	}
	r.mu.RLock()
	records := make([]*model.Process, 0, len(r.processes))
	for _, p := range r.processes {
		records = append(records, p)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(r.path), 0o755)
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.path)
}
