package broker

import (
	"fmt"
	"sort"

	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/records"
	"github.com/peyvandtel/broker/internal/remote"
)

// Binding is everything needed to execute one service type.
type Binding struct {
	ServiceID  string
	Validator  pricing.Validator
	Processor  Processor
	Repository records.Repository
	Remote     remote.Client
}

// ServiceSpec names one service to register and the processor kind that
// runs it.
type ServiceSpec struct {
	ID   string
	Kind string
}

// Factory builds the binding of a service of one kind.
type Factory func(serviceID string) (Binding, error)

// Registry maps service ids to their bindings. It is built once at startup
// and never changes afterwards, so it is safe for concurrent reads.
type Registry struct {
	bindings map[string]Binding
	ids      []string
}

// NewRegistry builds a binding for every configured service using the factory of its kind.
func NewRegistry(specs []ServiceSpec, factories map[string]Factory) (*Registry, error) {
	r := &Registry{bindings: make(map[string]Binding, len(specs))}
	for _, s := range specs {
		if _, dup := r.bindings[s.ID]; dup {
			return nil, fmt.Errorf("service %q registered twice", s.ID)
		}
		factory, ok := factories[s.Kind]
		if !ok {
			return nil, fmt.Errorf("service %q: unknown kind %q", s.ID, s.Kind)
		}
		b, err := factory(s.ID)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", s.ID, err)
		}
		if b.Validator == nil || b.Processor == nil || b.Repository == nil || b.Remote == nil {
			return nil, fmt.Errorf("service %q: incomplete binding", s.ID)
		}
		b.ServiceID = s.ID
		r.bindings[s.ID] = b
		r.ids = append(r.ids, s.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup returns the binding of serviceID or ErrUnknownService.
func (r *Registry) Lookup(serviceID string) (Binding, error) {
	b, ok := r.bindings[serviceID]
	if !ok {
		return Binding{}, ErrUnknownService
	}
	return b, nil
}

// Validator returns the price validator of serviceID.
func (r *Registry) Validator(serviceID string) (pricing.Validator, bool) {
	b, ok := r.bindings[serviceID]
	if !ok {
		return nil, false
	}
	return b.Validator, true
}

// Services lists the registered ids in order.
func (r *Registry) Services() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}
