// Package driver implements the backing stores a unit-of-work session
// talks to.
//
// MemoryStore evaluates statement trees directly against in-process tables
// and enforces primary-key, unique, not-null and foreign-key constraints.
// SQLStore compiles statements to SQL and runs them through database/sql on
// SQLite (modernc.org/sqlite) or PostgreSQL (pgx). Both return
// *orm.ConstraintViolationError when the store rejects a write.
package driver
