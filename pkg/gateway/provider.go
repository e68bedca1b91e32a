package gateway

import (
	"fmt"
	"net/http"
	"sort"
)

// Provider verifies and parses webhooks of one payment gateway.
type Provider interface {
	Name() string
	// Verify authenticates a raw payload. It never parses business data.
	Verify(payload []byte, headers http.Header) error
	// Parse maps a verified payload into an Event. Unrecognised event
	// types parse into TopicUnknown without error.
	Parse(payload []byte) (*Event, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry indexes providers by Name.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, exists := r.providers[p.Name()]; exists {
			panic("gateway: provider " + p.Name() + " already registered")
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name or ErrUnknownProvider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
