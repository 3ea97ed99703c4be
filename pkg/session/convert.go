package session

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// EntityConverter translates between store documents and live entities.
// FromDocument builds the in-memory entity for a hydrated document;
// ToDocument serializes a live entity into its document body. Implementations
// return UnresolvableTypeError from FromDocument to request fallback to the
// default dynamic conversion.
type EntityConverter interface {
	FromDocument(key string, body json.RawMessage, metadata map[string]any) (any, error)
	ToDocument(entity any) (map[string]any, error)
}

// TypeRegistry maps type tags carried in document metadata to registered Go
// types so hydration can produce typed entities.
type TypeRegistry struct {
	types map[string]reflect.Type
}

// NewTypeRegistry constructs an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register binds a tag to the concrete type of prototype. Pointer prototypes
// are unwrapped; hydration always produces a pointer to a fresh value.
func (r *TypeRegistry) Register(tag string, prototype any) {
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.types[tag] = t
}

// Resolve returns the registered type for tag.
func (r *TypeRegistry) Resolve(tag string) (reflect.Type, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.types[tag]
	return t, ok
}

// TagFor derives the tag for an entity's runtime type: the lower-cased type
// name, pluralized. Dynamically-shaped entities tag as "docs".
func TagFor(entity any) string {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() == reflect.Map {
		return "docs"
	}
	name := strings.ToLower(t.Name())
	if name == "" {
		return "docs"
	}
	if !strings.HasSuffix(name, "s") {
		name += "s"
	}
	return name
}

// defaultConverter is the built-in conversion collaborator. Typed hydration
// goes through the registry; everything else round-trips as map[string]any.
type defaultConverter struct {
	types *TypeRegistry
}

func (c defaultConverter) FromDocument(key string, body json.RawMessage, metadata map[string]any) (any, error) {
	if tag, ok := metadata[MetaType].(string); ok && tag != "" {
		t, found := c.types.Resolve(tag)
		if !found {
			return nil, UnresolvableTypeError{Tag: tag}
		}
		entity := reflect.New(t).Interface()
		if err := json.Unmarshal(body, entity); err != nil {
			return nil, fmt.Errorf("hydrate %s into %s: %w", key, t, err)
		}
		return entity, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", key, err)
	}
	// Out-of-band attributes live in metadata, not on the entity.
	for k := range doc {
		if strings.HasPrefix(k, "@") {
			delete(doc, k)
		}
	}
	return doc, nil
}

func (c defaultConverter) ToDocument(entity any) (map[string]any, error) {
	if doc, ok := entity.(map[string]any); ok {
		return cloneJSONMap(doc), nil
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("serialize %T: %w", entity, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("serialize %T: %w", entity, err)
	}
	return doc, nil
}

// IdentityConverter converts between a non-string identifier field value and
// its string document key form.
type IdentityConverter interface {
	ToString(value any) (string, error)
	FromString(key string) (any, error)
}

// identityKind tags the two entity shapes the accessor understands.
type identityKind int

const (
	identityTyped identityKind = iota
	identityDynamic
)

// identityAccessor is the capability handle for reading and writing an
// entity's identifier, resolved once per entity shape.
type identityAccessor struct {
	kind       identityKind
	field      reflect.Value
	doc        map[string]any
	converters map[reflect.Type]IdentityConverter
}

// dynamicIDKey is the identifier slot used by dynamically-shaped entities.
const dynamicIDKey = "id"

// identifierAccessorFor probes an entity for an identifier accessor: a typed
// entity with a declared ID field, or a dynamically-shaped map entity. The
// second return is false when the entity exposes no identifier slot.
func identifierAccessorFor(entity any, converters map[reflect.Type]IdentityConverter) (identityAccessor, bool) {
	if doc, ok := entity.(map[string]any); ok {
		return identityAccessor{kind: identityDynamic, doc: doc}, true
	}
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return identityAccessor{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return identityAccessor{}, false
	}
	field := v.FieldByName("ID")
	if !field.IsValid() || !field.CanSet() {
		return identityAccessor{}, false
	}
	return identityAccessor{kind: identityTyped, field: field, converters: converters}, true
}

// Get returns the current identifier, or "" when unset. A non-string typed
// field requires a registered identity converter.
func (a identityAccessor) Get() (string, error) {
	switch a.kind {
	case identityDynamic:
		raw, ok := a.doc[dynamicIDKey]
		if !ok || raw == nil {
			return "", nil
		}
		key, ok := raw.(string)
		if !ok {
			return "", IdentityConversionError{Type: fmt.Sprintf("%T", raw)}
		}
		return key, nil
	default:
		if a.field.Kind() == reflect.String {
			return a.field.String(), nil
		}
		conv, ok := a.converters[a.field.Type()]
		if !ok {
			return "", IdentityConversionError{Type: a.field.Type().String()}
		}
		if a.field.IsZero() {
			return "", nil
		}
		return conv.ToString(a.field.Interface())
	}
}

// Set writes the resolved key back onto the entity.
func (a identityAccessor) Set(key string) error {
	switch a.kind {
	case identityDynamic:
		a.doc[dynamicIDKey] = key
		return nil
	default:
		if a.field.Kind() == reflect.String {
			a.field.SetString(key)
			return nil
		}
		conv, ok := a.converters[a.field.Type()]
		if !ok {
			return IdentityConversionError{Type: a.field.Type().String()}
		}
		value, err := conv.FromString(key)
		if err != nil {
			return err
		}
		a.field.Set(reflect.ValueOf(value))
		return nil
	}
}
