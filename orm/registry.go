package orm

import (
	"fmt"
	"reflect"
	"sync"
)

var (
	globalRegistry = &Registry{
		byTable: make(map[string]*ModelInfo),
		byType:  make(map[reflect.Type]*ModelInfo),
	}
)

// Registry maintains a mapping between Go struct types and their table metadata.
// It is used to look up mapping information during statement generation and hydration.
type Registry struct {
	mu      sync.RWMutex
	byTable map[string]*ModelInfo
	byType  map[reflect.Type]*ModelInfo
	order   []*ModelInfo
}

// Register adds a Go struct type to the global registry as a mapped model.
// The type T must embed BaseEntity.
func Register[T any]() error {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	info, err := ExtractModelInfo(t)
	if err != nil {
		return fmt.Errorf("registering %s: %w", t.Name(), err)
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if existing, ok := globalRegistry.byTable[info.Table]; ok {
		if existing.GoType != t {
			return fmt.Errorf("table %q already registered to %s", info.Table, existing.GoType.Name())
		}
		return nil
	}

	globalRegistry.byTable[info.Table] = info
	globalRegistry.byType[t] = info
	globalRegistry.order = append(globalRegistry.order, info)
	return nil
}

// MustRegister is a helper that calls Register and panics if an error occurs.
// It is intended for use during application initialization.
func MustRegister[T any]() {
	if err := Register[T](); err != nil {
		panic(err)
	}
}

// Lookup retrieves ModelInfo for a given table name.
func Lookup(table string) (*ModelInfo, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	info, ok := globalRegistry.byTable[table]
	return info, ok
}

// LookupType retrieves ModelInfo for a given Go reflect.Type.
func LookupType(t reflect.Type) (*ModelInfo, bool) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	info, ok := globalRegistry.byType[t]
	return info, ok
}

// RegisteredModels returns every registered model in registration order.
func RegisteredModels() []*ModelInfo {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	return append([]*ModelInfo(nil), globalRegistry.order...)
}

// ClearRegistry resets the global registry, removing all registered models.
// This is primarily used for testing purposes.
func ClearRegistry() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.byTable = make(map[string]*ModelInfo)
	globalRegistry.byType = make(map[reflect.Type]*ModelInfo)
	globalRegistry.order = nil
}

func infoFor[T any]() (*ModelInfo, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	info, ok := LookupType(t)
	if !ok {
		return nil, &NotRegisteredError{TypeName: t.Name()}
	}
	return info, nil
}

func infoOf(e Entity) (*ModelInfo, error) {
	if st := e.entityState(); st.info != nil {
		return st.info, nil
	}
	t := reflect.TypeOf(e)
	info, ok := LookupType(t)
	if !ok {
		return nil, &NotRegisteredError{TypeName: t.Elem().Name()}
	}
	return info, nil
}

func targetInfo(owner *ModelInfo, rel RelationInfo) (*ModelInfo, error) {
	info, ok := LookupType(rel.TargetType)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", owner.Table, rel.Name, &NotRegisteredError{TypeName: rel.TargetType.Name()})
	}
	if len(info.PKFields) != 1 && rel.Kind == ManyToOne {
		return nil, &SchemaValidationError{TypeName: owner.GoType.Name(), Message: fmt.Sprintf("relation %s: target %s needs a single-column primary key", rel.Name, info.Table)}
	}
	if rel.Kind == OneToMany {
		if len(owner.PKFields) != 1 {
			return nil, &SchemaValidationError{TypeName: owner.GoType.Name(), Message: fmt.Sprintf("relation %s: owner needs a single-column primary key", rel.Name)}
		}
		if _, ok := info.Field(rel.FKColumn); !ok {
			return nil, &SchemaValidationError{TypeName: owner.GoType.Name(), Message: fmt.Sprintf("relation %s: %s has no column %q", rel.Name, info.Table, rel.FKColumn)}
		}
	}
	return info, nil
}
