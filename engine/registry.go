package engine

import (
	"errors"
	"iter"
	"slices"
)

var ErrRegistryFrozen = errors.New("destination registry is frozen")

// Registry is the ordered set of destinations. It is filled during setup and
// read-only once frozen.
type Registry struct {
	destinations []Destination
	frozen       bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(d Destination) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.destinations = append(r.destinations, d)
	return nil
}

func (r *Registry) Freeze() {
	r.frozen = true
}

func (r *Registry) Len() int {
	return len(r.destinations)
}

// All yields the destinations in registration order.
func (r *Registry) All() iter.Seq[Destination] {
	return slices.Values(r.destinations)
}

// Close closes every destination in registration order and empties the
// registry.
func (r *Registry) Close() error {
	var errs []error
	for d := range slices.Values(r.destinations) {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.destinations = nil
	return errors.Join(errs...)
}
