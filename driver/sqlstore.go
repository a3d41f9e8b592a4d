package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/CaliLuke/go-uow/ast"
	"github.com/CaliLuke/go-uow/config"
	"github.com/CaliLuke/go-uow/orm"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLStore runs statements on a SQL database through database/sql. Each
// session holds one pooled connection for its lifetime.
type SQLStore struct {
	db       *sql.DB
	dialect  ast.Dialect
	compiler ast.Compiler
	log      zerolog.Logger
}

// SQLOption configures an SQLStore.
type SQLOption func(*SQLStore)

// WithSQLLogger sets the store's logger.
func WithSQLLogger(log zerolog.Logger) SQLOption {
	return func(s *SQLStore) { s.log = log }
}

// OpenSQL opens the SQLite or PostgreSQL database named by cfg and checks
// that it is reachable.
func OpenSQL(ctx context.Context, cfg config.Config, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite:
		s.dialect = ast.SQLite
		dsn, inMemory := sqliteDSN(cfg.DSN)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if inMemory {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
	case config.DriverPostgres:
		s.dialect = ast.Postgres
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("driver %q is not a SQL database", cfg.Driver)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	s.db = db
	s.compiler = ast.Compiler{Dialect: s.dialect}
	s.log.Info().Str("driver", string(cfg.Driver)).Msg("sql store opened")
	return s, nil
}

// sqliteDSN appends the pragmas the session relies on: enforced foreign
// keys, a busy timeout and a parseable time format.
func sqliteDSN(dsn string) (string, bool) {
	if dsn == "" {
		dsn = ":memory:"
	}
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite", inMemory
}

// Dialect reports the store's SQL dialect.
func (s *SQLStore) Dialect() ast.Dialect { return s.dialect }

// DB exposes the underlying sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Connect reserves a pooled connection for one session.
func (s *SQLStore) Connect(ctx context.Context) (orm.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &sqlConn{store: s, conn: conn}, nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlConn struct {
	store *SQLStore
	conn  *sql.Conn
}

func (c *sqlConn) Begin(ctx context.Context) (orm.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return nil, ErrNotConnected
		}
		return nil, c.store.mapError("", err)
	}
	return &sqlTx{store: c.store, tx: tx}, nil
}

func (c *sqlConn) Close() error {
	return c.conn.Close()
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

// Execute compiles the statement for the store's dialect and runs it.
func (t *sqlTx) Execute(ctx context.Context, stmt ast.Statement) (*orm.Result, error) {
	query, args, err := t.store.compiler.Compile(stmt)
	if err != nil {
		return nil, err
	}
	table := statementTable(stmt)
	if returnsRows(stmt, query) {
		rows, err := t.tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, t.store.mapError(table, err)
		}
		out, err := scanRows(rows)
		if err != nil {
			return nil, t.store.mapError(table, err)
		}
		return &orm.Result{Rows: out, RowsAffected: int64(len(out))}, nil
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, t.store.mapError(table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = 0
	}
	return &orm.Result{RowsAffected: n}, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return t.store.mapError("", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return t.store.mapError("", err)
	}
	return nil
}

func returnsRows(stmt ast.Statement, query string) bool {
	switch s := stmt.(type) {
	case ast.Select:
		return true
	case ast.Insert:
		return len(s.Returning) > 0
	case ast.Raw:
		q := strings.ToUpper(strings.TrimSpace(query))
		return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH") || strings.Contains(q, " RETURNING ")
	}
	return false
}

func statementTable(stmt ast.Statement) string {
	switch s := stmt.(type) {
	case ast.Insert:
		return s.Table
	case ast.Update:
		return s.Table
	case ast.Delete:
		return s.Table
	case ast.Select:
		return s.From
	case ast.CreateTable:
		return s.Name
	case ast.DropTable:
		return s.Name
	}
	return ""
}

func scanRows(rows *sql.Rows) ([]orm.Row, error) {
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []orm.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(orm.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// --- Error mapping ---

var sqliteTarget = regexp.MustCompile(`constraint failed: ([A-Za-z0-9_]+)\.([A-Za-z0-9_]+)`)

// mapError turns driver constraint errors into *orm.ConstraintViolationError
// and wraps everything else in a *DriverError. table is the statement's
// target, used when the driver does not name one.
func (s *SQLStore) mapError(table string, err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTxDone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		if kind, ok := sqliteConstraintKind(se.Code(), se.Error()); ok {
			cv := &orm.ConstraintViolationError{Kind: kind, Table: table, Cause: err}
			if m := sqliteTarget.FindStringSubmatch(se.Error()); m != nil {
				cv.Table, cv.Column = m[1], m[2]
			}
			return cv
		}
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		if kind, ok := pgConstraintKind(pe); ok {
			cv := &orm.ConstraintViolationError{Kind: kind, Table: pe.TableName, Column: pe.ColumnName, Cause: err}
			if cv.Table == "" {
				cv.Table = table
			}
			return cv
		}
	}

	s.log.Debug().Err(err).Str("table", table).Msg("sql error")
	return &DriverError{Message: err.Error(), Cause: err}
}

func sqliteConstraintKind(code int, msg string) (orm.ConstraintKind, bool) {
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return orm.ConstraintPrimaryKey, true
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return orm.ConstraintUnique, true
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return orm.ConstraintNotNull, true
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return orm.ConstraintForeignKey, true
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return orm.ConstraintCheck, true
	}
	if code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return "", false
	}
	// Primary result code only; classify from the message.
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return orm.ConstraintUnique, true
	case strings.Contains(msg, "NOT NULL constraint failed"):
		return orm.ConstraintNotNull, true
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return orm.ConstraintForeignKey, true
	case strings.Contains(msg, "CHECK constraint failed"):
		return orm.ConstraintCheck, true
	}
	return orm.ConstraintCheck, true
}

func pgConstraintKind(pe *pgconn.PgError) (orm.ConstraintKind, bool) {
	switch pe.Code {
	case "23505":
		if strings.HasSuffix(pe.ConstraintName, "_pkey") {
			return orm.ConstraintPrimaryKey, true
		}
		return orm.ConstraintUnique, true
	case "23503":
		return orm.ConstraintForeignKey, true
	case "23502":
		return orm.ConstraintNotNull, true
	case "23514":
		return orm.ConstraintCheck, true
	}
	return "", false
}
