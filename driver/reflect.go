package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/CaliLuke/go-uow/ast"
	"github.com/CaliLuke/go-uow/ddlgen"
)

// Reflect reads the live schema. SQLite schemas are recovered by parsing the
// stored CREATE TABLE text; PostgreSQL schemas come from information_schema.
func (s *SQLStore) Reflect(ctx context.Context) (*ddlgen.ParsedSchema, error) {
	if s.dialect == ast.Postgres {
		return s.reflectPostgres(ctx)
	}
	return s.reflectSQLite(ctx)
}

func (s *SQLStore) reflectSQLite(ctx context.Context) (*ddlgen.ParsedSchema, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("reflect: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stmts []string
	for rows.Next() {
		var ddl sql.NullString
		if err := rows.Scan(&ddl); err != nil {
			return nil, fmt.Errorf("reflect: scan: %w", err)
		}
		if ddl.Valid {
			stmts = append(stmts, ddl.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reflect: %w", err)
	}
	schema, err := ddlgen.ParseSchema(strings.Join(stmts, ";\n"))
	if err != nil {
		return nil, fmt.Errorf("reflect: %w", err)
	}
	return schema, nil
}

const pgColumnsQuery = `
SELECT c.table_name, c.column_name, upper(c.data_type),
       COALESCE(c.character_maximum_length, 0), c.is_nullable = 'YES',
       COALESCE(c.column_default, ''), c.is_identity = 'YES'
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = current_schema() AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

const pgConstraintsQuery = `
SELECT kcu.table_name, kcu.constraint_name, tc.constraint_type, kcu.column_name,
       COALESCE(rk.table_name, ''), COALESCE(rk.column_name, '')
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
LEFT JOIN information_schema.referential_constraints rc
  ON rc.constraint_schema = tc.constraint_schema AND rc.constraint_name = tc.constraint_name
LEFT JOIN information_schema.key_column_usage rk
  ON rk.constraint_schema = rc.unique_constraint_schema AND rk.constraint_name = rc.unique_constraint_name
 AND rk.ordinal_position = kcu.position_in_unique_constraint
WHERE tc.table_schema = current_schema()
  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`

func (s *SQLStore) reflectPostgres(ctx context.Context) (*ddlgen.ParsedSchema, error) {
	schema := &ddlgen.ParsedSchema{}

	rows, err := s.db.QueryContext(ctx, pgColumnsQuery)
	if err != nil {
		return nil, fmt.Errorf("reflect columns: %w", err)
	}
	for rows.Next() {
		var (
			table, def string
			col        ddlgen.ColumnSpec
			nullable   bool
			identity   bool
		)
		if err := rows.Scan(&table, &col.Name, &col.SQLType, &col.Size, &nullable, &def, &identity); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("reflect columns: scan: %w", err)
		}
		col.NotNull = !nullable
		col.AutoIncrement = identity || strings.HasPrefix(def, "nextval(")
		if !col.AutoIncrement {
			col.Default = pgDefault(def)
		}
		t, ok := schema.Table(table)
		if !ok {
			schema.Tables = append(schema.Tables, ddlgen.TableSpec{Name: table})
			t = &schema.Tables[len(schema.Tables)-1]
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("reflect columns: %w", err)
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, pgConstraintsQuery)
	if err != nil {
		return nil, fmt.Errorf("reflect constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type constraint struct {
		table, kind string
		cols        []string
		refTable    string
		refCols     []string
	}
	var order []string
	byName := make(map[string]*constraint)
	for rows.Next() {
		var table, name, kind, col, refTable, refCol string
		if err := rows.Scan(&table, &name, &kind, &col, &refTable, &refCol); err != nil {
			return nil, fmt.Errorf("reflect constraints: scan: %w", err)
		}
		key := table + "." + name
		c, ok := byName[key]
		if !ok {
			c = &constraint{table: table, kind: kind, refTable: refTable}
			byName[key] = c
			order = append(order, key)
		}
		c.cols = append(c.cols, col)
		if refCol != "" {
			c.refCols = append(c.refCols, refCol)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reflect constraints: %w", err)
	}

	for _, key := range order {
		c := byName[key]
		t, ok := schema.Table(c.table)
		if !ok {
			continue
		}
		switch c.kind {
		case "PRIMARY KEY":
			t.PrimaryKey = c.cols
		case "UNIQUE":
			if len(c.cols) == 1 {
				if col, ok := t.Column(c.cols[0]); ok {
					col.Unique = true
					continue
				}
			}
			t.Uniques = append(t.Uniques, c.cols)
		case "FOREIGN KEY":
			t.ForeignKeys = append(t.ForeignKeys, ddlgen.ForeignKeySpec{
				Columns:    c.cols,
				RefTable:   c.refTable,
				RefColumns: c.refCols,
			})
		}
	}
	return schema, nil
}

// pgDefault strips type casts from a column default and maps now() to
// CURRENT_TIMESTAMP.
func pgDefault(def string) string {
	if def == "" {
		return ""
	}
	if i := strings.LastIndex(def, "::"); i > 0 {
		def = def[:i]
	}
	switch strings.ToLower(def) {
	case "now()", "current_timestamp", "transaction_timestamp()":
		return "CURRENT_TIMESTAMP"
	}
	return def
}
