package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Schema derivation. A richest shape declares its cache behavior entirely
// through struct tags, so adding a plain scalar field to a model requires
// no change anywhere in the cache: the field is picked up on the next
// process start.
//
// Recognized `cache` tag values:
//
//	ref=<entity>                single foreign-key reference to <entity>;
//	                            auto-indexed, and the source wraps the id
//	                            in a one-element array. The source field
//	                            name defaults to the flat name suffixed
//	                            with "_id".
//	ref=<entity>,source=<name>  same, with an explicit source field name
//	indexed                     equality index with identity mapping
//	sortable                    sorted index (field must be numeric)

// DeriveDescriptor inspects an entity's richest shape and synthesizes its
// descriptor. A shape that is not a struct, or that declares two fields
// with the same flat name, fails with a ConfigurationError.
func DeriveDescriptor(e Entity) (*Descriptor, error) {
	t := reflect.TypeOf(e.Shape)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, &ConfigurationError{Entity: e.Name, Reason: "richest shape must be a struct"}
	}

	desc := &Descriptor{
		Name:      e.Name,
		Table:     e.Table,
		RefFields: make(map[string]Ref),
		shape:     t,
	}

	seen := make(map[string]string)
	sourceSeen := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}

		flat := flatName(f)
		if flat == "-" {
			continue
		}
		if prev, dup := seen[flat]; dup {
			return nil, &ConfigurationError{
				Entity: e.Name,
				Reason: fmt.Sprintf("fields %s and %s both map to cache key %q", prev, f.Name, flat),
			}
		}
		seen[flat] = f.Name

		tag := f.Tag.Get("cache")
		switch {
		case tag == "" || tag == "-":
			// plain scalar, stored verbatim
		case strings.HasPrefix(tag, "ref="):
			ref, err := parseRefTag(flat, tag)
			if err != nil {
				return nil, &ConfigurationError{Entity: e.Name, Reason: fmt.Sprintf("field %s: %v", f.Name, err)}
			}
			if prev, dup := sourceSeen[ref.SourceField]; dup {
				return nil, &ConfigurationError{
					Entity: e.Name,
					Reason: fmt.Sprintf("fields %s and %s both map to source field %q", prev, f.Name, ref.SourceField),
				}
			}
			sourceSeen[ref.SourceField] = f.Name
			desc.IndexedFields = append(desc.IndexedFields, flat)
			desc.RefFields[flat] = ref
		case tag == "ref":
			return nil, &ConfigurationError{
				Entity: e.Name,
				Reason: fmt.Sprintf("field %s: ref tag must name its target entity, e.g. ref=events", f.Name),
			}
		case tag == "indexed":
			desc.IndexedFields = append(desc.IndexedFields, flat)
		case tag == "sortable":
			switch f.Type.Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
				reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
				reflect.Float32, reflect.Float64:
				desc.SortableFields = append(desc.SortableFields, flat)
			default:
				return nil, &ConfigurationError{
					Entity: e.Name,
					Reason: fmt.Sprintf("sortable field %s must be numeric, got %s", f.Name, f.Type),
				}
			}
		default:
			return nil, &ConfigurationError{
				Entity: e.Name,
				Reason: fmt.Sprintf("field %s has unrecognized cache tag %q", f.Name, tag),
			}
		}
	}

	return desc, nil
}

// parseRefTag parses "ref=<entity>" with an optional ",source=<name>"
// override for the source field name.
func parseRefTag(flat, tag string) (Ref, error) {
	ref := Ref{SourceField: flat + "_id"}
	for i, part := range strings.Split(tag, ",") {
		switch {
		case i == 0:
			ref.Entity = strings.TrimPrefix(part, "ref=")
		case strings.HasPrefix(part, "source="):
			ref.SourceField = strings.TrimPrefix(part, "source=")
		default:
			return Ref{}, fmt.Errorf("unrecognized ref tag option %q", part)
		}
	}
	if ref.Entity == "" {
		return Ref{}, fmt.Errorf("ref tag must name its target entity")
	}
	if ref.SourceField == "" {
		return Ref{}, fmt.Errorf("ref tag source override must not be empty")
	}
	return ref, nil
}

// flatName returns the field's cache key: the json tag name when present,
// the Go field name otherwise.
func flatName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return f.Name
	}
	return name
}

// Normalize converts a source record's fields into the flat form the cache
// stores. For every foreign-key reference field the source's one-element
// array is replaced with the bare scalar id; everything else passes through
// unchanged under its flat name.
func (d *Descriptor) Normalize(id string, fields map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(fields)+1)

	source := make(map[string]string, len(d.RefFields))
	for cacheField, ref := range d.RefFields {
		source[ref.SourceField] = cacheField
	}

	for name, value := range fields {
		if cacheField, ok := source[name]; ok {
			flat[cacheField] = unwrapRef(value)
			continue
		}
		flat[name] = value
	}
	flat["id"] = id
	return flat
}

// Denormalize coerces a flat record into the target shape, re-validating
// types along the way. Fields the target does not declare are dropped;
// fields the target declares but the flat record lacks stay zero-valued.
// target must be a pointer to a struct.
func (d *Descriptor) Denormalize(flat map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(flat)
	if err != nil {
		return &ValidationError{Entity: d.Name, ID: stringID(flat), Err: err}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &ValidationError{Entity: d.Name, ID: stringID(flat), Err: err}
	}
	return nil
}

// Flatten converts a richest-shape struct into its flat form, the inverse
// of Denormalize into the richest shape.
func (d *Descriptor) Flatten(record interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, &ValidationError{Entity: d.Name, Err: err}
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, &ValidationError{Entity: d.Name, Err: err}
	}
	return flat, nil
}

// SortValue extracts a sortable field's numeric value from a flat record.
func SortValue(flat map[string]interface{}, field string) (float64, bool) {
	switch v := flat[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// IndexValue renders an indexed field's value as the string used in the
// index key. Nil and empty values report false: they are never indexed.
func IndexValue(flat map[string]interface{}, field string) (string, bool) {
	v, ok := flat[field]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprintf("%v", v)
	if s == "" {
		return "", false
	}
	return s, true
}

// unwrapRef flattens the source's wrapped single-reference representation.
// Airtable-style sources return linked records as one-element arrays; a
// bare scalar passes through untouched.
func unwrapRef(value interface{}) interface{} {
	switch v := value.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case []string:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	default:
		return value
	}
}

func stringID(flat map[string]interface{}) string {
	if id, ok := flat["id"].(string); ok {
		return id
	}
	return ""
}
