package orm

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/CaliLuke/go-uow/ast"
)

// Scope names the table a filter is evaluated against.
type Scope struct {
	Info *ModelInfo
	// Table is the name or alias the model's columns are qualified with.
	Table string
	// Aliases maps join aliases to the models they stand for.
	Aliases map[string]*ModelInfo
}

// Filter represents a query filter expression that compiles to a WHERE
// predicate. Filters compose via And, Or, and Not.
type Filter interface {
	// ToExpr builds the predicate for the given scope.
	ToExpr(sc Scope) (ast.Expr, error)
}

// resolve turns an attribute name into a column reference. Bare names must
// be columns of the scope's model; dotted names address joined tables.
func (sc Scope) resolve(attr string) (ast.ColumnRef, error) {
	if i := strings.IndexByte(attr, '.'); i > 0 {
		table, col := attr[:i], attr[i+1:]
		info, ok := sc.Aliases[table]
		if !ok {
			info, ok = Lookup(table)
		}
		if ok {
			if _, ok := info.Field(col); !ok {
				return ast.ColumnRef{}, fmt.Errorf("unknown column %q", attr)
			}
		}
		return ast.TableCol(table, col), nil
	}
	if _, ok := sc.Info.Field(attr); !ok {
		return ast.ColumnRef{}, fmt.Errorf("%s has no column %q", sc.Info.Table, attr)
	}
	return ast.TableCol(sc.Table, attr), nil
}

// --- Comparison filters ---

// ComparisonFilter compares a column to a value.
type ComparisonFilter struct {
	Attr  string
	Op    string
	Value any
}

// ToExpr builds the comparison. Equality against nil becomes IS NULL.
func (f *ComparisonFilter) ToExpr(sc Scope) (ast.Expr, error) {
	col, err := sc.resolve(f.Attr)
	if err != nil {
		return nil, err
	}
	val := normalizeValue(f.Value)
	if val == nil {
		switch f.Op {
		case "=":
			return ast.IsNull{Expr: col}, nil
		case "!=":
			return ast.IsNull{Expr: col, Negate: true}, nil
		}
		return nil, fmt.Errorf("%s %s NULL is never true", f.Attr, f.Op)
	}
	return ast.Cmp(col, f.Op, val), nil
}

// Eq creates an equality filter: column = value.
func Eq(attr string, value any) Filter {
	return &ComparisonFilter{Attr: attr, Op: "=", Value: value}
}

// Neq creates a not-equal filter: column <> value.
func Neq(attr string, value any) Filter {
	return &ComparisonFilter{Attr: attr, Op: "!=", Value: value}
}

// Gt creates a greater-than filter.
func Gt(attr string, value any) Filter {
	return &ComparisonFilter{Attr: attr, Op: ">", Value: value}
}

// Gte creates a greater-or-equal filter.
func Gte(attr string, value any) Filter {
	return &ComparisonFilter{Attr: attr, Op: ">=", Value: value}
}

// Lt creates a less-than filter.
func Lt(attr string, value any) Filter {
	return &ComparisonFilter{Attr: attr, Op: "<", Value: value}
}

// Lte creates a less-or-equal filter.
func Lte(attr string, value any) Filter {
	return &ComparisonFilter{Attr: attr, Op: "<=", Value: value}
}

// --- String filters ---

// LikeFilter matches a column against a LIKE pattern.
type LikeFilter struct {
	Attr            string
	Pattern         string
	CaseInsensitive bool
}

// ToExpr builds the LIKE predicate.
func (f *LikeFilter) ToExpr(sc Scope) (ast.Expr, error) {
	col, err := sc.resolve(f.Attr)
	if err != nil {
		return nil, err
	}
	return ast.Like{Expr: col, Pattern: f.Pattern, CaseInsensitive: f.CaseInsensitive}, nil
}

// Like creates a case-sensitive pattern filter ("%" and "_" wildcards).
func Like(attr, pattern string) Filter {
	return &LikeFilter{Attr: attr, Pattern: pattern}
}

// ILike creates a case-insensitive pattern filter.
func ILike(attr, pattern string) Filter {
	return &LikeFilter{Attr: attr, Pattern: pattern, CaseInsensitive: true}
}

// Contains matches columns containing substr. Wildcards in substr are not
// escaped.
func Contains(attr, substr string) Filter {
	return &LikeFilter{Attr: attr, Pattern: "%" + substr + "%"}
}

// Startswith matches columns beginning with prefix.
func Startswith(attr, prefix string) Filter {
	return &LikeFilter{Attr: attr, Pattern: prefix + "%"}
}

// --- Set membership ---

// InFilter matches columns equal to any of Values.
type InFilter struct {
	Attr    string
	Values  []any
	Negated bool
}

// ToExpr builds the IN predicate. An empty list matches nothing (or
// everything when negated).
func (f *InFilter) ToExpr(sc Scope) (ast.Expr, error) {
	col, err := sc.resolve(f.Attr)
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(f.Values))
	for i, v := range f.Values {
		vals[i] = normalizeValue(v)
	}
	return ast.InList{Expr: col, Values: vals, Negate: f.Negated}, nil
}

// In creates a filter matching any of the values.
func In(attr string, values ...any) Filter {
	return &InFilter{Attr: attr, Values: values}
}

// NotIn creates a filter excluding the values.
func NotIn(attr string, values ...any) Filter {
	return &InFilter{Attr: attr, Values: values, Negated: true}
}

// Range creates an inclusive range filter: min <= column <= max.
func Range(attr string, min, max any) Filter {
	return And(Gte(attr, min), Lte(attr, max))
}

// NullFilter tests a column for NULL.
type NullFilter struct {
	Attr    string
	Negated bool
}

// ToExpr builds the IS [NOT] NULL predicate.
func (f *NullFilter) ToExpr(sc Scope) (ast.Expr, error) {
	col, err := sc.resolve(f.Attr)
	if err != nil {
		return nil, err
	}
	return ast.IsNull{Expr: col, Negate: f.Negated}, nil
}

// IsNull matches NULL columns.
func IsNull(attr string) Filter { return &NullFilter{Attr: attr} }

// NotNull matches non-NULL columns.
func NotNull(attr string) Filter { return &NullFilter{Attr: attr, Negated: true} }

// --- Boolean composition ---

// AndFilter requires every filter to match.
type AndFilter struct {
	Filters []Filter
}

// ToExpr builds the conjunction.
func (f *AndFilter) ToExpr(sc Scope) (ast.Expr, error) {
	exprs, err := toExprs(sc, f.Filters)
	if err != nil {
		return nil, err
	}
	return ast.And{Exprs: exprs}, nil
}

// And combines filters so all must match.
func And(filters ...Filter) Filter {
	return &AndFilter{Filters: filters}
}

// OrFilter requires at least one filter to match.
type OrFilter struct {
	Filters []Filter
}

// ToExpr builds the disjunction.
func (f *OrFilter) ToExpr(sc Scope) (ast.Expr, error) {
	exprs, err := toExprs(sc, f.Filters)
	if err != nil {
		return nil, err
	}
	return ast.Or{Exprs: exprs}, nil
}

// Or combines filters so at least one must match.
func Or(filters ...Filter) Filter {
	return &OrFilter{Filters: filters}
}

// NotFilter negates a filter.
type NotFilter struct {
	Filter Filter
}

// ToExpr builds the negation.
func (f *NotFilter) ToExpr(sc Scope) (ast.Expr, error) {
	inner, err := f.Filter.ToExpr(sc)
	if err != nil {
		return nil, err
	}
	return ast.Not{Expr: inner}, nil
}

// Not negates a filter.
func Not(filter Filter) Filter {
	return &NotFilter{Filter: filter}
}

func toExprs(sc Scope, filters []Filter) ([]ast.Expr, error) {
	exprs := make([]ast.Expr, 0, len(filters))
	for _, f := range filters {
		e, err := f.ToExpr(sc)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

// --- Relationship filters ---

var aliasCounter atomic.Int64

// AnyFilter matches rows with at least one related row satisfying Filters,
// as a correlated EXISTS subquery.
type AnyFilter struct {
	Relation string
	Filters  []Filter
}

// ToExpr builds the EXISTS subquery.
func (f *AnyFilter) ToExpr(sc Scope) (ast.Expr, error) {
	rel, ok := sc.Info.Relation(f.Relation)
	if !ok {
		return nil, fmt.Errorf("%s has no relation %q", sc.Info.Table, f.Relation)
	}
	target, err := targetInfo(sc.Info, rel)
	if err != nil {
		return nil, err
	}
	alias := fmt.Sprintf("%s_%d", target.Table, aliasCounter.Add(1))

	var link ast.Expr
	if rel.Kind == OneToMany {
		link = ast.ColEq(ast.TableCol(alias, rel.FKColumn), ast.TableCol(sc.Table, sc.Info.PKColumns()[0]))
	} else {
		link = ast.ColEq(ast.TableCol(alias, target.PKColumns()[0]), ast.TableCol(sc.Table, rel.FKColumn))
	}
	inner, err := toExprs(Scope{Info: target, Table: alias}, f.Filters)
	if err != nil {
		return nil, err
	}
	return ast.Exists{Query: ast.Select{
		From:  target.Table,
		Alias: alias,
		Where: ast.AllOf(append([]ast.Expr{link}, inner...)...),
	}}, nil
}

// Any matches rows having at least one related row (through the named
// relationship) that satisfies every filter.
func Any(relation string, filters ...Filter) Filter {
	return &AnyFilter{Relation: relation, Filters: filters}
}
