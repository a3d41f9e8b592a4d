package orm

import (
	"context"
	"reflect"
	"slices"
)

// relationField is implemented by *Ref[T] and *Collection[T]. The session
// uses it to bind, inspect and populate relationship fields without knowing T.
type relationField interface {
	targetType() reflect.Type
	isCollection() bool
	bind(owner Entity, name string)
	loaded() bool
	members() []Entity
	setMembers(items []Entity)
	unload()
	// cleared reports an explicit Set(nil) on a reference.
	cleared() bool
	snapshot() relSnapshot
	restore(relSnapshot)
}

// relSnapshot captures a relationship field for undo after a failed flush.
type relSnapshot struct {
	loaded     bool
	wasCleared bool
	items      []Entity
	added      []Entity
}

// relField returns the relationship field of e described by rel.
func relField(e Entity, rel RelationInfo) relationField {
	return structValue(e).Field(rel.FieldIndex).Addr().Interface().(relationField)
}

// Ref is a lazily loaded many-to-one reference. It is either unloaded,
// holding only the foreign-key value in the owner's column, or loaded,
// holding the referenced instance (possibly nil).
//
// The zero value is unloaded. Declare it with the local foreign-key column:
//
//	type Address struct {
//	    orm.BaseEntity `orm:"table:addresses"`
//	    ID     int64              `orm:"id,pk,autoincrement"`
//	    UserID *int64             `orm:"user_id,fk=users.id"`
//	    User   orm.Ref[User]      `orm:"ref=user_id"`
//	}
type Ref[T any] struct {
	target   *T
	isLoaded bool
	isNil    bool
	owner    Entity
	name     string
}

// Set replaces the referenced instance. Flush copies its key into the
// foreign-key column; nil clears the column.
func (r *Ref[T]) Set(v *T) {
	r.target = v
	r.isLoaded = true
	r.isNil = v == nil
}

// Get returns the referenced instance, loading it through the owner's
// session on first access.
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if r.isLoaded {
		return r.target, nil
	}
	s := r.session()
	if s == nil {
		return nil, &DetachedInstanceError{Table: ownerTable(r.owner), Relation: r.name}
	}
	got, err := s.loadRelation(ctx, r.owner, r.name)
	if err != nil {
		return nil, err
	}
	r.setMembers(got)
	return r.target, nil
}

// Peek returns the cached instance without loading.
func (r *Ref[T]) Peek() *T { return r.target }

// Loaded reports whether the reference has been resolved.
func (r *Ref[T]) Loaded() bool { return r.isLoaded }

func (r *Ref[T]) session() *Session {
	if r.owner == nil {
		return nil
	}
	return r.owner.entityState().session
}

func (r *Ref[T]) targetType() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }
func (r *Ref[T]) isCollection() bool       { return false }
func (r *Ref[T]) bind(owner Entity, name string) {
	r.owner, r.name = owner, name
}
func (r *Ref[T]) loaded() bool { return r.isLoaded }

func (r *Ref[T]) members() []Entity {
	if !r.isLoaded || r.target == nil {
		return nil
	}
	return []Entity{any(r.target).(Entity)}
}

func (r *Ref[T]) setMembers(items []Entity) {
	r.isLoaded = true
	r.isNil = false
	r.target = nil
	if len(items) > 0 && items[0] != nil {
		r.target = any(items[0]).(*T)
	}
}

func (r *Ref[T]) unload() {
	r.isLoaded = false
	r.isNil = false
	r.target = nil
}

func (r *Ref[T]) cleared() bool { return r.isLoaded && r.isNil }

func (r *Ref[T]) snapshot() relSnapshot {
	return relSnapshot{loaded: r.isLoaded, wasCleared: r.isNil, items: r.members()}
}

func (r *Ref[T]) restore(snap relSnapshot) {
	r.unload()
	if snap.loaded {
		r.setMembers(snap.items)
	}
	r.isNil = snap.wasCleared
}

// Collection is a lazily loaded one-to-many relationship. Members carry the
// owner's key in the foreign-key column named by the fk tag option.
//
//	type User struct {
//	    orm.BaseEntity `orm:"table:users"`
//	    ID        int64                   `orm:"id,pk,autoincrement"`
//	    Addresses orm.Collection[Address] `orm:"fk=user_id,cascade=all|delete-orphan,order=id"`
//	}
//
// Members appended before the collection is loaded are kept aside and merged
// into the loaded membership on first access.
type Collection[T any] struct {
	items    []*T
	added    []*T
	isLoaded bool
	owner    Entity
	name     string
}

// All returns the members, loading them through the owner's session on
// first access.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	if !c.isLoaded {
		s := c.session()
		if s == nil {
			return nil, &DetachedInstanceError{Table: ownerTable(c.owner), Relation: c.name}
		}
		got, err := s.loadRelation(ctx, c.owner, c.name)
		if err != nil {
			return nil, err
		}
		c.setMembers(got)
	}
	return slices.Clone(c.items), nil
}

// Items returns the members known in memory without loading.
func (c *Collection[T]) Items() []*T {
	if c.isLoaded {
		return slices.Clone(c.items)
	}
	return slices.Clone(c.added)
}

// Len returns the number of in-memory members.
func (c *Collection[T]) Len() int {
	if c.isLoaded {
		return len(c.items)
	}
	return len(c.added)
}

// Loaded reports whether the membership has been read from the store.
func (c *Collection[T]) Loaded() bool { return c.isLoaded }

// Append adds members. Adding an instance already present is a no-op.
func (c *Collection[T]) Append(items ...*T) {
	for _, it := range items {
		if it == nil {
			continue
		}
		if c.isLoaded {
			if !slices.Contains(c.items, it) {
				c.items = append(c.items, it)
			}
		} else if !slices.Contains(c.added, it) {
			c.added = append(c.added, it)
		}
	}
}

// Remove drops a member. Flush deletes it when the relationship cascades
// delete-orphan and clears its foreign key otherwise.
func (c *Collection[T]) Remove(item *T) bool {
	list := &c.added
	if c.isLoaded {
		list = &c.items
	}
	i := slices.Index(*list, item)
	if i < 0 {
		return false
	}
	*list = slices.Delete(*list, i, i+1)
	return true
}

// Set replaces the whole membership.
func (c *Collection[T]) Set(items []*T) {
	c.items = slices.Clone(items)
	c.added = nil
	c.isLoaded = true
}

func (c *Collection[T]) session() *Session {
	if c.owner == nil {
		return nil
	}
	return c.owner.entityState().session
}

func (c *Collection[T]) targetType() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }
func (c *Collection[T]) isCollection() bool       { return true }
func (c *Collection[T]) bind(owner Entity, name string) {
	c.owner, c.name = owner, name
}
func (c *Collection[T]) loaded() bool { return c.isLoaded }

func (c *Collection[T]) members() []Entity {
	src := c.added
	if c.isLoaded {
		src = c.items
	}
	out := make([]Entity, 0, len(src))
	for _, it := range src {
		out = append(out, any(it).(Entity))
	}
	return out
}

func (c *Collection[T]) setMembers(items []Entity) {
	merged := make([]*T, 0, len(items)+len(c.added))
	for _, e := range items {
		merged = append(merged, any(e).(*T))
	}
	for _, it := range c.added {
		if !slices.Contains(merged, it) {
			merged = append(merged, it)
		}
	}
	c.items = merged
	c.added = nil
	c.isLoaded = true
}

func (c *Collection[T]) unload() {
	c.items = nil
	c.added = nil
	c.isLoaded = false
}

func (c *Collection[T]) cleared() bool { return false }

func (c *Collection[T]) snapshot() relSnapshot {
	snap := relSnapshot{loaded: c.isLoaded}
	for _, it := range c.items {
		snap.items = append(snap.items, any(it).(Entity))
	}
	for _, it := range c.added {
		snap.added = append(snap.added, any(it).(Entity))
	}
	return snap
}

func (c *Collection[T]) restore(snap relSnapshot) {
	c.items, c.added = nil, nil
	for _, e := range snap.items {
		c.items = append(c.items, any(e).(*T))
	}
	for _, e := range snap.added {
		c.added = append(c.added, any(e).(*T))
	}
	c.isLoaded = snap.loaded
}

func ownerTable(owner Entity) string {
	if owner == nil {
		return "?"
	}
	if info, err := infoOf(owner); err == nil {
		return info.Table
	}
	return reflect.TypeOf(owner).Elem().Name()
}
