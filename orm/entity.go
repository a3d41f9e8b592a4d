// Package orm provides a unit of work with an identity map over relational
// backing stores.
package orm

import "fmt"

// State is the lifecycle state of an entity instance with respect to a session.
type State int

const (
	// StateTransient is an instance no session tracks and that has no row.
	StateTransient State = iota
	// StatePending is a new instance added to a session but not yet flushed.
	StatePending
	// StatePersistent is a tracked instance with a row in the backing store.
	StatePersistent
	// StateDeleted is an instance whose row was deleted by a flush in the
	// current transaction.
	StateDeleted
	// StateDetached is an instance with a row whose session has ended.
	StateDetached
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateTransient:
		return "transient"
	case StatePending:
		return "pending"
	case StatePersistent:
		return "persistent"
	case StateDeleted:
		return "deleted"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entity is the interface satisfied by every mapped struct pointer.
// Structs satisfy it by embedding BaseEntity.
type Entity interface {
	entityState() *entityState
}

// BaseEntity is an embeddable base type for all Go structs mapped to tables.
// It carries the lifecycle state and the snapshots the session compares
// against to find modified columns.
//
// Example usage:
//
//	type User struct {
//	    orm.BaseEntity `orm:"table:users"`
//	    ID   int64  `orm:"id,pk,autoincrement"`
//	    Name string `orm:"name,notnull"`
//	}
type BaseEntity struct {
	st entityState
}

func (b *BaseEntity) entityState() *entityState { return &b.st }

// entityState is the per-instance bookkeeping owned by the session.
type entityState struct {
	state   State
	session *Session
	info    *ModelInfo
	key     identityKey
	// seq orders instances by first Add (or load) into the session.
	seq uint64

	// synced holds column values as of the last flush or load.
	synced map[string]any
	// committed holds column values as of the last commit or load.
	committed map[string]any
	// syncedColls and committedColls hold collection membership at the same points.
	syncedColls    map[string][]Entity
	committedColls map[string][]Entity

	markedDeleted bool
	// insertedInTx is set when this instance's row was inserted by the open transaction.
	insertedInTx bool
	// forceUpdate is set by MarkModified.
	forceUpdate bool
}

// StateOf returns the lifecycle state of an entity.
func StateOf(e Entity) State {
	return e.entityState().state
}

// IsMarkedForDeletion reports whether Delete was called on a persistent
// entity whose row has not been deleted by a flush yet.
func IsMarkedForDeletion(e Entity) bool {
	return e.entityState().markedDeleted
}

// SessionOf returns the session tracking e, or nil.
func SessionOf(e Entity) *Session {
	return e.entityState().session
}
