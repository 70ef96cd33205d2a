package processor

import (
	"context"
	"sort"
	"sync"
)

// Registry holds the running processors keyed by job type.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]*Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*Processor)}
}

func (r *Registry) Register(p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Type()] = p
}

func (r *Registry) Get(typ string) (*Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[typ]
	return p, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for t := range r.procs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.procs {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.procs {
		p.Stop()
	}
}
