package orm

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/CaliLuke/go-uow/ast"
)

// Query is a chainable query builder for instances of T.
type Query[T any] struct {
	s       *Session
	info    *ModelInfo
	err     error
	filters []Filter
	joins   []ast.Join
	aliases map[string]*ModelInfo
	order   []orderSpec
	limit   int
	offset  int
}

type orderSpec struct {
	attr string
	desc bool
}

// NewQuery starts a query over T in the session.
func NewQuery[T any](s *Session) *Query[T] {
	info, err := infoFor[T]()
	return &Query[T]{s: s, info: info, err: err}
}

// Where adds filters; all of them must match.
func (q *Query[T]) Where(filters ...Filter) *Query[T] {
	q.filters = append(q.filters, filters...)
	return q
}

// FilterBy adds an equality filter per entry, in column order.
func (q *Query[T]) FilterBy(values map[string]any) *Query[T] {
	if q.info == nil {
		return q
	}
	for _, col := range q.info.Columns() {
		if v, ok := values[col]; ok {
			q.filters = append(q.filters, Eq(col, v))
		}
	}
	for col := range values {
		if _, ok := q.info.Field(col); !ok && q.err == nil {
			q.err = fmt.Errorf("%s has no column %q", q.info.Table, col)
		}
	}
	return q
}

// Join adds an inner join along a relationship so filters can address the
// related table's columns as "table.column". Results stay distinct
// instances of T. Joining the same table twice requires JoinAs.
func (q *Query[T]) Join(relation string) *Query[T] {
	return q.join(relation, "", false)
}

// OuterJoin adds a left outer join along a relationship.
func (q *Query[T]) OuterJoin(relation string) *Query[T] {
	return q.join(relation, "", true)
}

// JoinAs adds an inner join whose table is addressed as alias, so filters
// use "alias.column". Each alias joins its own copy of the related table:
//
//	q.JoinAs("Addresses", "a1").JoinAs("Addresses", "a2").
//		Where(orm.Eq("a1.city", "Oslo"), orm.Eq("a2.city", "Bergen"))
func (q *Query[T]) JoinAs(relation, alias string) *Query[T] {
	return q.join(relation, alias, false)
}

// OuterJoinAs adds an aliased left outer join.
func (q *Query[T]) OuterJoinAs(relation, alias string) *Query[T] {
	return q.join(relation, alias, true)
}

func (q *Query[T]) join(relation, alias string, outer bool) *Query[T] {
	if q.info == nil || q.err != nil {
		return q
	}
	rel, ok := q.info.Relation(relation)
	if !ok {
		q.err = fmt.Errorf("%s has no relation %q", q.info.Table, relation)
		return q
	}
	target, err := targetInfo(q.info, rel)
	if err != nil {
		q.err = err
		return q
	}
	name := target.Table
	if alias != "" {
		name = alias
	}
	if name == q.info.Table || slices.ContainsFunc(q.joins, func(j ast.Join) bool { return joinName(j) == name }) {
		q.err = fmt.Errorf("%s: %q is already in the query; join %s with JoinAs and a distinct alias", q.info.Table, name, relation)
		return q
	}

	var on ast.Expr
	if rel.Kind == OneToMany {
		on = ast.ColEq(ast.TableCol(name, rel.FKColumn), ast.TableCol(q.info.Table, q.info.PKColumns()[0]))
	} else {
		on = ast.ColEq(ast.TableCol(name, target.PKColumns()[0]), ast.TableCol(q.info.Table, rel.FKColumn))
	}
	q.joins = append(q.joins, ast.Join{Table: target.Table, Alias: alias, On: on, Outer: outer})
	if alias != "" {
		if q.aliases == nil {
			q.aliases = make(map[string]*ModelInfo)
		}
		q.aliases[alias] = target
	}
	return q
}

func joinName(j ast.Join) string {
	if j.Alias != "" {
		return j.Alias
	}
	return j.Table
}

// OrderAsc sorts by a column ascending.
func (q *Query[T]) OrderAsc(attr string) *Query[T] {
	q.order = append(q.order, orderSpec{attr: attr})
	return q
}

// OrderDesc sorts by a column descending.
func (q *Query[T]) OrderDesc(attr string) *Query[T] {
	q.order = append(q.order, orderSpec{attr: attr, desc: true})
	return q
}

// Limit caps the number of results.
func (q *Query[T]) Limit(n int) *Query[T] {
	q.limit = n
	return q
}

// Offset skips the first n results.
func (q *Query[T]) Offset(n int) *Query[T] {
	q.offset = n
	return q
}

// Statement returns the SELECT the query runs.
func (q *Query[T]) Statement() (ast.Select, error) {
	if q.err != nil {
		return ast.Select{}, q.err
	}
	sc := Scope{Info: q.info, Table: q.info.Table, Aliases: q.aliases}
	exprs, err := toExprs(sc, q.filters)
	if err != nil {
		return ast.Select{}, fmt.Errorf("query %s: %w", q.info.Table, err)
	}
	sel := ast.Select{
		From:   q.info.Table,
		Joins:  slices.Clone(q.joins),
		Where:  ast.AllOf(exprs...),
		Limit:  q.limit,
		Offset: q.offset,
	}
	for _, o := range q.order {
		col, err := sc.resolve(o.attr)
		if err != nil {
			return ast.Select{}, fmt.Errorf("query %s: %w", q.info.Table, err)
		}
		sel.OrderBy = append(sel.OrderBy, ast.Order{Column: col, Desc: o.desc})
	}
	if len(q.joins) > 0 {
		sel.Distinct = true
	}
	return sel, nil
}

func (q *Query[T]) run(ctx context.Context, sel ast.Select) (*Result, error) {
	if err := q.s.usable(); err != nil {
		return nil, err
	}
	if err := q.s.autoflush(ctx); err != nil {
		return nil, err
	}
	res, err := q.s.execute(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.info.Table, err)
	}
	return res, nil
}

// Iter runs the query when iteration starts and yields identity-mapped
// instances one row at a time.
func (q *Query[T]) Iter(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		sel, err := q.Statement()
		if err != nil {
			yield(nil, err)
			return
		}
		res, err := q.run(ctx, sel)
		if err != nil {
			yield(nil, err)
			return
		}
		seen := make(map[Entity]bool, len(res.Rows))
		for _, row := range res.Rows {
			e, err := q.s.instance(q.info, row)
			if err != nil {
				yield(nil, err)
				return
			}
			if seen[e] {
				continue
			}
			seen[e] = true
			if !yield(any(e).(*T), nil) {
				return
			}
		}
	}
}

// All returns every matching instance.
func (q *Query[T]) All(ctx context.Context) ([]*T, error) {
	var out []*T
	for v, err := range q.Iter(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// First returns the first matching instance, or nil when there is none.
func (q *Query[T]) First(ctx context.Context) (*T, error) {
	cp := *q
	cp.limit = 1
	all, err := cp.All(ctx)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// One returns the single matching instance. Zero or several matches return
// a *NotFoundError carrying the count.
func (q *Query[T]) One(ctx context.Context) (*T, error) {
	v, err := q.OneOrNone(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &NotFoundError{Table: q.info.Table, Count: 0}
	}
	return v, nil
}

// OneOrNone returns the single matching instance or nil. Several matches
// return a *NotFoundError.
func (q *Query[T]) OneOrNone(ctx context.Context) (*T, error) {
	all, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	}
	table := ""
	if q.info != nil {
		table = q.info.Table
	}
	return nil, &NotFoundError{Table: table, Count: len(all)}
}

// Count returns the number of matching instances.
func (q *Query[T]) Count(ctx context.Context) (int64, error) {
	sel, err := q.Statement()
	if err != nil {
		return 0, err
	}
	sel.Count = true
	sel.OrderBy = nil
	if sel.Distinct {
		for _, col := range q.info.PKColumns() {
			sel.Columns = append(sel.Columns, ast.TableCol(q.info.Table, col))
		}
	}
	res, err := q.run(ctx, sel)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	n, err := coerceToInt64(res.Rows[0]["count"])
	if err != nil {
		return 0, fmt.Errorf("query %s: count: %w", q.info.Table, err)
	}
	return n, nil
}

// Exists reports whether any instance matches.
func (q *Query[T]) Exists(ctx context.Context) (bool, error) {
	v, err := q.First(ctx)
	return v != nil, err
}

// Related pairs an instance with the number of rows related to it.
type Related[T any] struct {
	Item  *T
	Count int64
}

// CountRelated returns every matching instance together with the number of
// rows of the one-to-many relationship that point at it, in query order.
func (q *Query[T]) CountRelated(ctx context.Context, relation string) ([]Related[T], error) {
	if q.err != nil {
		return nil, q.err
	}
	rel, ok := q.info.Relation(relation)
	if !ok || rel.Kind != OneToMany {
		return nil, fmt.Errorf("%s has no one-to-many relation %q", q.info.Table, relation)
	}
	target, err := targetInfo(q.info, rel)
	if err != nil {
		return nil, err
	}
	items, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Related[T], len(items))
	if len(items) == 0 {
		return out, nil
	}
	keys := make([]any, len(items))
	index := make(map[identityKey]int, len(items))
	for i, it := range items {
		out[i].Item = it
		pk := q.info.pkValues(any(it).(Entity))
		keys[i] = normalizeValue(pk[0])
		index[makeIdentityKey(q.info, pk)] = i
	}
	fk := ast.TableCol(target.Table, rel.FKColumn)
	res, err := q.s.execute(ctx, ast.Select{From: target.Table, Where: ast.InList{Expr: fk, Values: keys}})
	if err != nil {
		return nil, fmt.Errorf("count %s.%s: %w", q.info.Table, relation, err)
	}
	for _, row := range res.Rows {
		if i, ok := index[makeIdentityKey(q.info, []any{row[rel.FKColumn]})]; ok {
			out[i].Count++
		}
	}
	return out, nil
}

// Delete marks every matching instance for deletion and flushes, so
// cascades apply. It returns the number of matched instances.
func (q *Query[T]) Delete(ctx context.Context) (int64, error) {
	all, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, v := range all {
		if err := q.s.Delete(any(v).(Entity)); err != nil {
			return 0, err
		}
	}
	if err := q.s.Flush(ctx); err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

// Update assigns columns on every matching instance and flushes. It returns
// the number of matched instances.
func (q *Query[T]) Update(ctx context.Context, values map[string]any) (int64, error) {
	all, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, v := range all {
		e := any(v).(Entity)
		for col, val := range values {
			if err := q.s.setColumn(e, col, val); err != nil {
				return 0, fmt.Errorf("update %s: %w", q.info.Table, err)
			}
		}
	}
	if err := q.s.Flush(ctx); err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}
