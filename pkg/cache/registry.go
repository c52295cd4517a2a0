package cache

import (
	"fmt"
	"reflect"
	"sort"
)

// Entity declares one cached entity type: its logical name (the key
// namespace), the backing table in the source datastore, and the richest
// shape stored for it. Everything else in the Descriptor is derived from
// the shape's struct tags at startup.
type Entity struct {
	Name  string
	Table string
	Shape interface{}
}

// Descriptor is the derived per-entity configuration the rest of the cache
// consumes. Built once by DeriveDescriptor; treated as immutable.
type Descriptor struct {
	Name  string
	Table string

	// IndexedFields are the flat field names with equality indexes.
	IndexedFields []string
	// SortableFields are the flat field names with sorted indexes.
	SortableFields []string
	// RefFields maps the cache's flat field name to the reference mapping
	// for single foreign-key references. The source wraps these ids in a
	// one-element array; the cache stores the bare scalar.
	RefFields map[string]Ref

	shape reflect.Type
}

// Ref describes one single foreign-key reference field: the entity it
// points at and the field name the source datastore uses for it.
type Ref struct {
	Entity      string
	SourceField string
}

// Shape returns the reflect type of the entity's richest shape.
func (d *Descriptor) Shape() reflect.Type { return d.shape }

// Indexed reports whether field has an equality index.
func (d *Descriptor) Indexed(field string) bool {
	for _, f := range d.IndexedFields {
		if f == field {
			return true
		}
	}
	return false
}

// Sortable reports whether field has a sorted index.
func (d *Descriptor) Sortable(field string) bool {
	for _, f := range d.SortableFields {
		if f == field {
			return true
		}
	}
	return false
}

// HasRefs reports whether the entity references other entities.
func (d *Descriptor) HasRefs() bool { return len(d.RefFields) > 0 }

// Registry holds the descriptor for every registered entity. It is built
// once at process start and passed by reference to the components that
// need it; there is no ambient global registry.
type Registry struct {
	descriptors map[string]*Descriptor
}

// NewRegistry derives a descriptor for every entity and returns the
// populated registry. Derivation failures (field collisions, unsupported
// shapes) are ConfigurationErrors and abort startup.
func NewRegistry(entities ...Entity) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(entities))}
	for _, e := range entities {
		if _, dup := r.descriptors[e.Name]; dup {
			return nil, &ConfigurationError{Entity: e.Name, Reason: "entity registered twice"}
		}
		desc, err := DeriveDescriptor(e)
		if err != nil {
			return nil, err
		}
		r.descriptors[e.Name] = desc
	}

	// Reference targets must themselves be registered, otherwise the
	// orphan sweep would chase entities it cannot describe.
	for name, desc := range r.descriptors {
		for field, ref := range desc.RefFields {
			if _, ok := r.descriptors[ref.Entity]; !ok {
				return nil, &ConfigurationError{
					Entity: name,
					Reason: fmt.Sprintf("field %q references unregistered entity %q", field, ref.Entity),
				}
			}
		}
	}
	return r, nil
}

// MustNewRegistry is NewRegistry for wiring code where a derivation failure
// is unrecoverable.
func MustNewRegistry(entities ...Entity) *Registry {
	r, err := NewRegistry(entities...)
	if err != nil {
		panic(err)
	}
	return r
}

// Describe returns the descriptor for an entity name. An unregistered name
// is always a programming or deployment error.
func (r *Registry) Describe(entity string) (*Descriptor, error) {
	desc, ok := r.descriptors[entity]
	if !ok {
		return nil, &ConfigurationError{Entity: entity, Reason: "entity not registered"}
	}
	return desc, nil
}

// Entities returns all registered entity names, sorted for determinism.
func (r *Registry) Entities() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
