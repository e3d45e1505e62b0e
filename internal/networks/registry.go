package networks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownNetwork is returned when no adapter is registered for a network.
var ErrUnknownNetwork = errors.New("unknown network")

// Registry maps network identifiers to adapters. It is built once and never
// mutated afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
	names    []string
}

// Descriptor summarises a registered network for configuration surfaces.
type Descriptor struct {
	Name         string  `json:"name"`
	Fields       []Field `json:"fields"`
	AllowSharing bool    `json:"allowSharing"`
	Provisioning bool    `json:"provisioning"`
	Endpoints    bool    `json:"endpoints"`
}

// NewRegistry registers the adapters under their normalized names.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		name := normalizeNetwork(adapter.Name())
		if name == "" {
			return nil, errors.New("network adapter name required")
		}
		if _, exists := registry.adapters[name]; exists {
			return nil, fmt.Errorf("network %q registered twice", name)
		}
		registry.adapters[name] = adapter
		registry.names = append(registry.names, name)
	}
	sort.Strings(registry.names)
	return registry, nil
}

// Lookup returns the adapter for network.
func (r *Registry) Lookup(network string) (Adapter, error) {
	if r != nil {
		if adapter, ok := r.adapters[normalizeNetwork(network)]; ok {
			return adapter, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
}

// Names lists registered networks in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// AllowSharing reports whether accounts on network may be shared. Unknown
// networks never allow sharing.
func (r *Registry) AllowSharing(network string) bool {
	adapter, err := r.Lookup(network)
	if err != nil {
		return false
	}
	return adapter.AllowSharing()
}

// Descriptors describes every registered network.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		adapter := r.adapters[name]
		_, provisions := adapter.(Provisioner)
		_, endpoints := adapter.(EndpointProvider)
		fields := adapter.MetadataFields()
		if fields == nil {
			fields = []Field{}
		}
		out = append(out, Descriptor{
			Name:         name,
			Fields:       fields,
			AllowSharing: adapter.AllowSharing(),
			Provisioning: provisions,
			Endpoints:    endpoints,
		})
	}
	return out
}

func normalizeNetwork(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
