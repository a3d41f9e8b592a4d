package orm

import (
	"errors"
	"testing"
	"time"
)

func TestIdentityMapKeysNormalizeValues(t *testing.T) {
	registerTestModels(t)
	users, _ := Lookup("users")
	tags, _ := Lookup("test_tag")

	tests := []struct {
		name string
		a, b identityKey
		same bool
	}{
		{"int widths", makeIdentityKey(users, []any{int32(7)}), makeIdentityKey(users, []any{int64(7)}), true},
		{"pointer", makeIdentityKey(users, []any{int64Ptr(7)}), makeIdentityKey(users, []any{7}), true},
		{"different values", makeIdentityKey(users, []any{7}), makeIdentityKey(users, []any{8}), false},
		{"different tables", makeIdentityKey(users, []any{"x"}), makeIdentityKey(tags, []any{"x"}), false},
		{"time zones", makeIdentityKey(tags, []any{time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}),
			makeIdentityKey(tags, []any{time.Date(2026, 1, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))}), true},
		{"composite separator", makeIdentityKey(tags, []any{"a", "b,c"}), makeIdentityKey(tags, []any{"a,b", "c"}), false},
	}
	for _, tt := range tests {
		if got := tt.a == tt.b; got != tt.same {
			t.Errorf("%s: %v == %v is %v, want %v", tt.name, tt.a, tt.b, got, tt.same)
		}
	}
}

func TestIdentityMapRegisterAndLookup(t *testing.T) {
	registerTestModels(t)
	users, _ := Lookup("users")
	m := NewIdentityMap()

	u := &testUser{ID: 1}
	if got, ok := m.Register(users, u); !ok || got != u {
		t.Fatalf("Register = %v, %v", got, ok)
	}
	// Re-registering the same instance is allowed.
	if _, ok := m.Register(users, u); !ok {
		t.Fatal("re-registering the same instance failed")
	}
	dup := &testUser{ID: 1}
	if got, ok := m.Register(users, dup); ok || got != u {
		t.Fatalf("Register(dup) = %v, %v, want existing instance", got, ok)
	}

	if got, ok := m.Lookup(users, 1); !ok || got != u {
		t.Errorf("Lookup(1) = %v, %v", got, ok)
	}
	if _, ok := m.Lookup(users, 2); ok {
		t.Error("Lookup(2) should miss")
	}
	if !m.Contains(u) || m.Contains(dup) {
		t.Error("Contains should only report the registered instance")
	}

	m.Evict(dup)
	if m.Len() != 1 {
		t.Error("evicting an unregistered instance removed an entry")
	}
	m.Evict(u)
	if m.Len() != 0 || m.Contains(u) {
		t.Error("Evict left the instance registered")
	}
}

func TestIdentityMapGetOrRegister(t *testing.T) {
	registerTestModels(t)
	users, _ := Lookup("users")
	m := NewIdentityMap()

	calls := 0
	load := func() (Entity, error) {
		calls++
		return &testUser{ID: 3}, nil
	}
	first, hit, err := m.GetOrRegister(users, []any{3}, load)
	if err != nil || hit {
		t.Fatalf("first GetOrRegister = %v, %v, %v", first, hit, err)
	}
	second, hit, err := m.GetOrRegister(users, []any{int64(3)}, load)
	if err != nil || !hit || second != first {
		t.Fatalf("second GetOrRegister = %v, %v, %v", second, hit, err)
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}

	got, _, err := m.GetOrRegister(users, []any{4}, func() (Entity, error) { return nil, nil })
	if err != nil || got != nil || m.Len() != 1 {
		t.Errorf("nil loader result registered: %v, len %d", got, m.Len())
	}

	boom := errors.New("boom")
	if _, _, err := m.GetOrRegister(users, []any{5}, func() (Entity, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("loader error = %v, want boom", err)
	}
}

func TestIdentityMapEntitiesOrder(t *testing.T) {
	registerTestModels(t)
	users, _ := Lookup("users")
	m := NewIdentityMap()
	a, b, c := &testUser{ID: 1}, &testUser{ID: 2}, &testUser{ID: 3}
	for _, u := range []*testUser{a, b, c} {
		m.Register(users, u)
	}
	m.Evict(b)

	got := m.Entities()
	want := []Entity{a, c}
	if len(got) != len(want) {
		t.Fatalf("Entities = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entities[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	m.Clear()
	if m.Len() != 0 || len(m.Entities()) != 0 {
		t.Error("Clear left entries behind")
	}
}
