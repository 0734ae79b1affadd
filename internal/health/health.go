// Package health is the health-registry collaborator: components publish an
// ALIVE or WARNING status and readers query either one component or the
// aggregate over all of them.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/snehjoshi/epochsink/internal/types"
)

// Aggregate values reported by Registry.Aggregate.
const (
	AggregateOK      = "OK"
	AggregateInError = "IN_ERROR"
)

// Reporter is the write side of the registry, as seen by a sink.
type Reporter interface {
	SetStatus(component string, s types.Status)
}

// Registry holds the latest status of every registered component.
// The zero value is ready to use. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	status map[string]types.Status
	hooks  []func(component string, s types.Status)
}

var _ Reporter = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// OnChange registers fn to be called after every status transition.
// fn runs synchronously on the caller of SetStatus.
func (r *Registry) OnChange(fn func(component string, s types.Status)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// SetStatus records the status of component.
func (r *Registry) SetStatus(component string, s types.Status) {
	r.mu.Lock()
	if r.status == nil {
		r.status = make(map[string]types.Status)
	}
	prev, seen := r.status[component]
	r.status[component] = s
	hooks := r.hooks
	r.mu.Unlock()

	if seen && prev == s {
		return
	}
	for _, fn := range hooks {
		fn(component, s)
	}
}

// Status returns the last status published by component and whether it has
// published one at all.
func (r *Registry) Status(component string) (types.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[component]
	return s, ok
}

// Aggregate returns AggregateOK when every component is ALIVE (or none is
// registered) and AggregateInError otherwise.
func (r *Registry) Aggregate() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.status {
		if s != types.StatusAlive {
			return AggregateInError
		}
	}
	return AggregateOK
}

// Snapshot returns a copy of all component statuses.
func (r *Registry) Snapshot() map[string]types.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.Status, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

type componentJSON struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type reportJSON struct {
	Status     string          `json:"status"`
	Components []componentJSON `json:"components"`
}

// Handler serves the aggregate and per-component status as JSON. It answers
// 200 when the aggregate is OK and 503 otherwise.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := r.Snapshot()
		rep := reportJSON{Status: AggregateOK, Components: make([]componentJSON, 0, len(snap))}
		for name, s := range snap {
			if s != types.StatusAlive {
				rep.Status = AggregateInError
			}
			rep.Components = append(rep.Components, componentJSON{Name: name, Status: s.String()})
		}
		sort.Slice(rep.Components, func(i, j int) bool {
			return rep.Components[i].Name < rep.Components[j].Name
		})

		w.Header().Set("Content-Type", "application/json")
		if rep.Status != AggregateOK {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}
