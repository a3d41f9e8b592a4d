package orm

import (
	"fmt"
	"strings"
	"time"
)

// identityKey identifies one row: its table plus the canonical rendering of
// its primary-key values.
type identityKey struct {
	table string
	pk    string
}

func (k identityKey) String() string {
	return k.table + "(" + k.pk + ")"
}

func makeIdentityKey(info *ModelInfo, pk []any) identityKey {
	parts := make([]string, len(pk))
	for i, v := range pk {
		switch x := normalizeValue(v).(type) {
		case nil:
			parts[i] = "\x00"
		case []byte:
			parts[i] = fmt.Sprintf("%x", x)
		case time.Time:
			parts[i] = x.UTC().Format(time.RFC3339Nano)
		default:
			parts[i] = fmt.Sprintf("%v", x)
		}
	}
	return identityKey{table: info.Table, pk: strings.Join(parts, "\x1f")}
}

// IdentityMap maps (table, primary key) to the single live instance
// representing that row within one session.
type IdentityMap struct {
	entries map[identityKey]Entity
	order   []identityKey
}

// NewIdentityMap creates an empty identity map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[identityKey]Entity)}
}

// Lookup returns the instance registered for the identity, if any.
func (m *IdentityMap) Lookup(info *ModelInfo, pk ...any) (Entity, bool) {
	e, ok := m.entries[makeIdentityKey(info, pk)]
	return e, ok
}

// GetOrRegister returns the instance already registered for the identity or
// calls loader, registers its result and returns it. A loader returning a
// nil entity and nil error registers nothing.
func (m *IdentityMap) GetOrRegister(info *ModelInfo, pk []any, loader func() (Entity, error)) (Entity, bool, error) {
	key := makeIdentityKey(info, pk)
	if e, ok := m.entries[key]; ok {
		return e, true, nil
	}
	e, err := loader()
	if err != nil || e == nil {
		return nil, false, err
	}
	m.put(key, e)
	return e, false, nil
}

// Register adds an instance under its current key values. It returns the
// previously registered instance when a different one already holds the identity.
func (m *IdentityMap) Register(info *ModelInfo, e Entity) (Entity, bool) {
	key := makeIdentityKey(info, info.pkValues(e))
	if existing, ok := m.entries[key]; ok && existing != e {
		return existing, false
	}
	m.put(key, e)
	return e, true
}

func (m *IdentityMap) put(key identityKey, e Entity) {
	if _, ok := m.entries[key]; !ok {
		m.order = append(m.order, key)
	}
	m.entries[key] = e
	e.entityState().key = key
}

// Evict removes an instance from the map.
func (m *IdentityMap) Evict(e Entity) {
	key := e.entityState().key
	if cur, ok := m.entries[key]; ok && cur == e {
		delete(m.entries, key)
	}
}

// Contains reports whether e itself is registered.
func (m *IdentityMap) Contains(e Entity) bool {
	cur, ok := m.entries[e.entityState().key]
	return ok && cur == e
}

// Len returns the number of registered instances.
func (m *IdentityMap) Len() int {
	return len(m.entries)
}

// Entities returns the registered instances in registration order.
func (m *IdentityMap) Entities() []Entity {
	out := make([]Entity, 0, len(m.entries))
	seen := make(map[identityKey]bool, len(m.entries))
	live := m.order[:0]
	for _, key := range m.order {
		e, ok := m.entries[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		live = append(live, key)
		out = append(out, e)
	}
	m.order = live
	return out
}

// Clear removes every instance.
func (m *IdentityMap) Clear() {
	m.entries = make(map[identityKey]Entity)
	m.order = nil
}
