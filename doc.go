// Package gouow provides a unit-of-work ORM for Go.
//
// Models are plain structs with `orm` struct tags. A [orm.Session] tracks the
// instances it loads or is given, keeps one instance per row in an identity
// map, and writes their accumulated changes in dependency order when it
// flushes: parents are inserted before children and children are deleted
// before parents.
//
// The module is organized into these packages:
//
//   - [github.com/CaliLuke/go-uow/orm]: models, sessions, flush, queries, relationships
//   - [github.com/CaliLuke/go-uow/ast]: SQL statement nodes and the per-dialect compiler
//   - [github.com/CaliLuke/go-uow/driver]: backing stores (in-memory, sqlite, postgres)
//   - [github.com/CaliLuke/go-uow/config]: environment and .env configuration, logging
//   - [github.com/CaliLuke/go-uow/ddlgen]: code generator from CREATE TABLE statements to models
//
// The in-memory store needs no external database, so every package tests
// without one.
package gouow
