package pipeline

import (
	"sync"

	"github.com/lumenlabs/renderq/fault"
)

// Registry maps job types to their pipelines. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{
		pipelines: make(map[string]*Pipeline),
	}
}

// Register adds a pipeline for its job type, replacing any previous one.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Type()] = p
}

// Get returns the pipeline for the given job type.
// Returns false if no pipeline is registered.
func (r *Registry) Get(jobType string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[jobType]
	return p, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.pipelines))
	for t := range r.pipelines {
		types = append(types, t)
	}
	return types
}

// Validate checks a submission payload against the registered pipeline's
// validator. An unregistered job type is a configuration error, reported
// as a non-recoverable fault so the submit call fails outright.
func (r *Registry) Validate(jobType string, payload []byte) error {
	p, ok := r.Get(jobType)
	if !ok {
		return fault.NoProcessor(jobType)
	}
	return p.ValidatePayload(payload)
}
