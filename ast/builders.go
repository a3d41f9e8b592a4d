package ast

import "strings"

// --- Expression builders ---

// Col creates a column reference. A dotted name ("users.id") is split into
// table and column.
func Col(name string) ColumnRef {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return ColumnRef{Table: name[:i], Name: name[i+1:]}
	}
	return ColumnRef{Name: name}
}

// TableCol creates a table-qualified column reference.
func TableCol(table, name string) ColumnRef {
	return ColumnRef{Table: table, Name: name}
}

// Lit wraps a Go value as a bound literal.
func Lit(value any) Literal {
	return Literal{Val: value}
}

// Cmp creates a comparison between a column and a bound value.
func Cmp(col ColumnRef, op string, value any) Compare {
	return Compare{Left: col, Op: op, Right: Lit(value)}
}

// Eq creates col = value. A nil value produces IS NULL.
func Eq(col ColumnRef, value any) Expr {
	if value == nil {
		return IsNull{Expr: col}
	}
	return Cmp(col, "=", value)
}

// ColEq compares two columns for equality, as used in join conditions.
func ColEq(left, right ColumnRef) Compare {
	return Compare{Left: left, Op: "=", Right: right}
}

// AllOf flattens nested conjunctions and drops nil terms.
func AllOf(exprs ...Expr) Expr {
	var flat []Expr
	for _, e := range exprs {
		switch x := e.(type) {
		case nil:
		case And:
			flat = append(flat, x.Exprs...)
		default:
			flat = append(flat, e)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return And{Exprs: flat}
}

// KeyMatch builds the WHERE clause matching a row by its key columns.
func KeyMatch(table string, columns []string, values []any) Expr {
	terms := make([]Expr, len(columns))
	for i, c := range columns {
		terms[i] = Eq(TableCol(table, c), values[i])
	}
	return AllOf(terms...)
}
