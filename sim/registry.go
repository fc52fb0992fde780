package sim

import (
	"sort"
	"sync"
)

// Category identifies one of the five device-model families the core
// manages. Each category owns an independent namespace of variant names.
type Category string

const (
	CategoryInjector           Category = "injector"
	CategoryExciter            Category = "exciter"
	CategoryGovernor           Category = "governor"
	CategoryTwoPort            Category = "two-port"
	CategoryDiscreteController Category = "discrete-controller"
)

// Categories lists all recognized categories in a fixed order.
var Categories = []Category{
	CategoryInjector,
	CategoryExciter,
	CategoryGovernor,
	CategoryTwoPort,
	CategoryDiscreteController,
}

// IsValidCategory returns true if c is one of the five recognized
// device-model categories.
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryInjector, CategoryExciter, CategoryGovernor, CategoryTwoPort, CategoryDiscreteController:
		return true
	}
	return false
}

// allowsDuplicateAttachment reports whether two instances of the category
// may share one attachment point. Control-loop models (exciter, governor)
// regulate a single machine and are unique per attachment; injectors,
// two-ports and discrete controllers may stack.
func allowsDuplicateAttachment(c Category) bool {
	switch c {
	case CategoryExciter, CategoryGovernor:
		return false
	}
	return true
}

// ParamKind is the tagged type of a model parameter value.
type ParamKind string

const (
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindString ParamKind = "string"
)

// ParamSpec describes one key of a model variant's parameter schema.
type ParamSpec struct {
	Kind     ParamKind
	Required bool
	Default  any // applied by the solver when the key is absent; nil = no default
}

// Schema is the parameter schema of one model variant: recognized keys
// and their specs. Parameter maps supplied at attach time must use a
// subset of these keys, with all required keys present.
type Schema struct {
	Params map[string]ParamSpec
}

// matchesKind reports whether v is an acceptable value for the kind.
// Numbers accept float64 and int (YAML decodes whole numbers as int).
func matchesKind(kind ParamKind, v any) bool {
	switch kind {
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindString:
		_, ok := v.(string)
		return ok
	}
	return false
}

// Registry catalogs the known device-model variants per category and
// their parameter schemas. It is read-mostly after an initialization
// phase and safe for concurrent use. The registry owns no case data.
type Registry struct {
	mu       sync.RWMutex
	variants map[Category]map[string]Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{variants: make(map[Category]map[string]Schema)}
}

// Register adds a model variant under a category. The same variant name
// may exist in two categories without conflict.
func (r *Registry) Register(cat Category, variant string, schema Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.variants[cat]
	if !ok {
		byName = make(map[string]Schema)
		r.variants[cat] = byName
	}
	if _, exists := byName[variant]; exists {
		return &DuplicateVariantError{Category: cat, Variant: variant}
	}
	byName[variant] = schema
	return nil
}

// Lookup returns the schema registered for (cat, variant).
func (r *Registry) Lookup(cat Category, variant string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if schema, ok := r.variants[cat][variant]; ok {
		return schema, nil
	}
	return Schema{}, &UnknownVariantError{Category: cat, Variant: variant}
}

// Variants returns the sorted variant names registered for a category.
func (r *Registry) Variants(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.variants[cat]))
	for name := range r.variants[cat] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a parameter map against the registered schema for
// (cat, variant). On failure it returns a *ValidationError naming every
// missing key, unrecognized key, and type mismatch, or an
// *UnknownVariantError when the variant itself is absent.
func (r *Registry) Validate(cat Category, variant string, params map[string]any) error {
	schema, err := r.Lookup(cat, variant)
	if err != nil {
		return err
	}
	verr := &ValidationError{
		Category:       cat,
		Variant:        variant,
		TypeMismatches: make(map[string]string),
	}
	for key, spec := range schema.Params {
		if spec.Required {
			if _, present := params[key]; !present {
				verr.MissingKeys = append(verr.MissingKeys, key)
			}
		}
	}
	for key, value := range params {
		spec, recognized := schema.Params[key]
		if !recognized {
			verr.UnknownKeys = append(verr.UnknownKeys, key)
			continue
		}
		if !matchesKind(spec.Kind, value) {
			verr.TypeMismatches[key] = string(spec.Kind)
		}
	}
	if verr.empty() {
		return nil
	}
	sort.Strings(verr.MissingKeys)
	sort.Strings(verr.UnknownKeys)
	return verr
}

// DefaultRegistry is the process-wide registry. Model libraries register
// their variants here during an init phase; cases built without an
// explicit registry validate against it.
var DefaultRegistry = NewRegistry()
