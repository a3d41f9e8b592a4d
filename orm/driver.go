package orm

import (
	"context"

	"github.com/CaliLuke/go-uow/ast"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Result is the outcome of executing one statement.
type Result struct {
	// Rows holds the selected or returned rows.
	Rows []Row
	// RowsAffected counts rows changed by INSERT, UPDATE or DELETE.
	RowsAffected int64
}

// Tx represents an open backing-store transaction.
type Tx interface {
	// Execute runs one statement inside the transaction.
	Execute(ctx context.Context, stmt ast.Statement) (*Result, error)
	// Commit durably applies the transaction.
	Commit() error
	// Rollback discards the transaction.
	Rollback() error
}

// Conn represents a live connection owned by one session.
type Conn interface {
	// Begin opens a transaction.
	Begin(ctx context.Context) (Tx, error)
	// Close releases the connection.
	Close() error
}

// Connector opens connections to a backing store.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}
