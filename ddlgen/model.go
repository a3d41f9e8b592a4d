package ddlgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CaliLuke/go-uow/ast"
)

// ParsedSchema is the intermediate representation of a relational schema,
// produced from DDL text or from a live database.
type ParsedSchema struct {
	Tables []TableSpec
}

// TableSpec describes one table.
type TableSpec struct {
	Name        string
	Columns     []ColumnSpec
	PrimaryKey  []string
	ForeignKeys []ForeignKeySpec
	Uniques     [][]string
}

// ColumnSpec describes one column.
type ColumnSpec struct {
	Name string
	// SQLType is the declared type as written, upper-cased ("VARCHAR", "DOUBLE PRECISION").
	SQLType       string
	Size          int
	NotNull       bool
	AutoIncrement bool
	Unique        bool
	// Default is the raw DEFAULT expression, if any.
	Default string
}

// ForeignKeySpec describes a foreign-key constraint.
type ForeignKeySpec struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

// Table returns the table with the given name.
func (s *ParsedSchema) Table(name string) (*TableSpec, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Column returns the column with the given name.
func (t *TableSpec) Column(name string) (*ColumnSpec, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (t *TableSpec) IsPrimaryKey(column string) bool {
	for _, c := range t.PrimaryKey {
		if strings.EqualFold(c, column) {
			return true
		}
	}
	return false
}

// ForeignKeyFor returns the single-column foreign key on column, if any.
func (t *TableSpec) ForeignKeyFor(column string) (ForeignKeySpec, bool) {
	for _, fk := range t.ForeignKeys {
		if len(fk.Columns) == 1 && strings.EqualFold(fk.Columns[0], column) {
			return fk, true
		}
	}
	return ForeignKeySpec{}, false
}

// SemanticType maps a declared SQL type onto the semantic types the orm
// understands, following SQLite's affinity rules with Postgres spellings added.
func SemanticType(sqlType string) string {
	t := strings.ToUpper(sqlType)
	switch {
	case strings.Contains(t, "BOOL"):
		return "boolean"
	case strings.Contains(t, "INT"), strings.Contains(t, "SERIAL"):
		return "integer"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"),
		strings.Contains(t, "UUID"), strings.Contains(t, "JSON"):
		return "text"
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"):
		return "blob"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return "real"
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return "timestamp"
	case t == "":
		return "blob"
	}
	return "text"
}

// ToCreateTable converts the table into a CREATE TABLE statement.
func (t *TableSpec) ToCreateTable() ast.CreateTable {
	ct := ast.CreateTable{
		Name:       t.Name,
		PrimaryKey: append([]string(nil), t.PrimaryKey...),
		Uniques:    t.Uniques,
	}
	for _, c := range t.Columns {
		ct.Columns = append(ct.Columns, ast.ColumnDef{
			Name:          c.Name,
			Type:          SemanticType(c.SQLType),
			Size:          c.Size,
			NotNull:       c.NotNull,
			PrimaryKey:    t.IsPrimaryKey(c.Name),
			AutoIncrement: c.AutoIncrement,
			Unique:        c.Unique,
			Default:       defaultValue(c.Default),
		})
	}
	for _, fk := range t.ForeignKeys {
		ct.ForeignKeys = append(ct.ForeignKeys, ast.ForeignKey{
			Columns:    fk.Columns,
			RefTable:   fk.RefTable,
			RefColumns: fk.RefColumns,
		})
	}
	return ct
}

// CreateTables converts every table, in declaration order.
func (s *ParsedSchema) CreateTables() []ast.CreateTable {
	out := make([]ast.CreateTable, 0, len(s.Tables))
	for i := range s.Tables {
		out = append(out, s.Tables[i].ToCreateTable())
	}
	return out
}

// resolveReferences fills in omitted referenced columns with the target's
// primary key.
func (s *ParsedSchema) resolveReferences() error {
	for i := range s.Tables {
		t := &s.Tables[i]
		for j := range t.ForeignKeys {
			fk := &t.ForeignKeys[j]
			if len(fk.RefColumns) > 0 {
				continue
			}
			ref, ok := s.Table(fk.RefTable)
			if !ok || len(ref.PrimaryKey) != len(fk.Columns) {
				return fmt.Errorf("table %s: cannot resolve referenced columns of %s", t.Name, fk.RefTable)
			}
			fk.RefColumns = append([]string(nil), ref.PrimaryKey...)
		}
	}
	return nil
}

func defaultValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "NULL") {
		return nil
	}
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToUpper(raw) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return ast.Keyword(raw)
}
