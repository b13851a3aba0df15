package entity

import (
	"fmt"
	"sort"
	"sync"

	"bulk-transfer-engine/internal/models"
)

// Registry resolves entity type names to schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns a registry holding the given schemas.
func NewRegistry(schemas ...Schema) *Registry {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		r.Register(s)
	}
	return r
}

// DefaultRegistry carries the built-in collections.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Schema{
			Name: "contacts",
			Fields: []FieldSpec{
				{Name: "email", Type: FieldEmail, Required: true},
				{Name: "first_name", Type: FieldText},
				{Name: "last_name", Type: FieldText},
				{Name: "phone", Type: FieldText},
				{Name: "age", Type: FieldNumber},
				{Name: "subscribed", Type: FieldBool},
				{Name: "signed_up_on", Type: FieldDate},
			},
			NaturalKey: []string{"email"},
		},
		Schema{
			Name: "companies",
			Fields: []FieldSpec{
				{Name: "domain", Type: FieldText, Required: true},
				{Name: "name", Type: FieldText, Required: true},
				{Name: "industry", Type: FieldText},
				{Name: "employees", Type: FieldNumber},
				{Name: "founded_on", Type: FieldDate},
			},
			NaturalKey: []string{"domain"},
		},
		Schema{
			Name: "products",
			Fields: []FieldSpec{
				{Name: "sku", Type: FieldText, Required: true},
				{Name: "name", Type: FieldText, Required: true},
				{Name: "price", Type: FieldNumber, Required: true},
				{Name: "active", Type: FieldBool},
				{Name: "category", Type: FieldText},
			},
			NaturalKey: []string{"sku"},
		},
	)
}

// Register adds or replaces a schema.
func (r *Registry) Register(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
}

// Resolve returns the schema for name.
func (r *Registry) Resolve(name string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", models.ErrUnknownEntityType, name)
	}
	return s, nil
}

// Names lists registered entity types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
