package command

import "sort"

// Registry maps command names to descriptors. Each engine owns its own
// registry; later registrations replace earlier ones of the same name.
type Registry struct {
	descs map[string]*Descriptor
}

// NewRegistry creates a registry holding descs, registered in order.
func NewRegistry(descs ...*Descriptor) *Registry {
	r := &Registry{descs: make(map[string]*Descriptor, len(descs))}
	r.Register(descs...)
	return r
}

// Register adds descriptors, replacing any with the same name.
func (r *Registry) Register(descs ...*Descriptor) {
	for _, d := range descs {
		if d == nil {
			continue
		}
		r.descs[d.Name] = d
	}
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.descs[name]
	return d, ok
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of the registry.
func (r *Registry) Clone() *Registry {
	c := &Registry{descs: make(map[string]*Descriptor, len(r.descs))}
	for name, d := range r.descs {
		c.descs[name] = d
	}
	return c
}
