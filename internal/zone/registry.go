package zone

import (
	"sync"

	"github.com/coderelay/orchestrator/internal/model"
)

// ProjectStore is the subset of the State Store the registry needs to
// rebuild a matcher after a project's zone configuration changes.
type ProjectStore interface {
	GetProject(id string) (*model.Project, error)
}

// Registry caches one compiled Matcher per project, rebuilding it
// lazily whenever Invalidate is called (e.g. after an admin updates
// zone configuration).
type Registry struct {
	store ProjectStore

	mu       sync.RWMutex
	matchers map[string]*Matcher
}

// NewRegistry constructs a Registry backed by store.
func NewRegistry(store ProjectStore) *Registry {
	return &Registry{store: store, matchers: make(map[string]*Matcher)}
}

// MatcherFor returns the cached Matcher for projectID, compiling it
// from the project's current ZoneConfig on first use.
func (r *Registry) MatcherFor(projectID string) (*Matcher, error) {
	r.mu.RLock()
	m, ok := r.matchers[projectID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	project, err := r.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	m, err = New(project.ZoneConfig)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.matchers[projectID] = m
	r.mu.Unlock()
	return m, nil
}

// Invalidate drops the cached matcher for a project, forcing the next
// MatcherFor call to recompile it.
func (r *Registry) Invalidate(projectID string) {
	r.mu.Lock()
	delete(r.matchers, projectID)
	r.mu.Unlock()
}
