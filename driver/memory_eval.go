package driver

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CaliLuke/go-uow/ast"
	"github.com/vmihailenco/msgpack/v5"
)

// binding is one table row visible to an expression, under its table name
// or alias. A nil row is the NULL side of an outer join.
type binding struct {
	name  string
	table *memTable
	row   map[string]any
}

// scope resolves column references: first in its own tuple, then in the
// enclosing query's scope for correlated subqueries.
type scope struct {
	tuple []binding
	outer *scope
}

func (sc *scope) lookup(ref ast.ColumnRef) (any, error) {
	for s := sc; s != nil; s = s.outer {
		for _, b := range s.tuple {
			if ref.Table != "" && b.name != ref.Table {
				continue
			}
			if !b.table.hasColumn(ref.Name) {
				if ref.Table != "" {
					return nil, driverErrorf("no such column: %s.%s", ref.Table, ref.Name)
				}
				continue
			}
			if b.row == nil {
				return nil, nil
			}
			return b.row[ref.Name], nil
		}
	}
	if ref.Table != "" {
		return nil, driverErrorf("no such column: %s.%s", ref.Table, ref.Name)
	}
	return nil, driverErrorf("no such column: %s", ref.Name)
}

// tri is SQL three-valued logic.
type tri int8

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

func (t tri) not() tri {
	switch t {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	}
	return triUnknown
}

type evaluator struct {
	db *memDB
}

// truth reports whether e is true for the scope. A nil expression is true.
func (ev *evaluator) truth(e ast.Expr, sc *scope) (bool, error) {
	if e == nil {
		return true, nil
	}
	t, err := ev.eval(e, sc)
	return t == triTrue, err
}

func (ev *evaluator) eval(e ast.Expr, sc *scope) (tri, error) {
	switch x := e.(type) {
	case ast.Compare:
		l, err := ev.value(x.Left, sc)
		if err != nil {
			return triUnknown, err
		}
		r, err := ev.value(x.Right, sc)
		if err != nil {
			return triUnknown, err
		}
		if l == nil || r == nil {
			return triUnknown, nil
		}
		c, err := compareValues(l, r)
		if err != nil {
			return triUnknown, err
		}
		switch x.Op {
		case "=":
			return triOf(c == 0), nil
		case "!=", "<>":
			return triOf(c != 0), nil
		case "<":
			return triOf(c < 0), nil
		case "<=":
			return triOf(c <= 0), nil
		case ">":
			return triOf(c > 0), nil
		case ">=":
			return triOf(c >= 0), nil
		}
		return triUnknown, driverErrorf("unknown comparison operator %q", x.Op)

	case ast.InList:
		v, err := ev.value(x.Expr, sc)
		if err != nil {
			return triUnknown, err
		}
		res := triFalse
		if v == nil && len(x.Values) > 0 {
			res = triUnknown
		} else {
			for _, item := range x.Values {
				item = canonical(item)
				if item == nil {
					res = triUnknown
					continue
				}
				c, err := compareValues(v, item)
				if err != nil {
					return triUnknown, err
				}
				if c == 0 {
					res = triTrue
					break
				}
			}
		}
		if x.Negate {
			return res.not(), nil
		}
		return res, nil

	case ast.Like:
		v, err := ev.value(x.Expr, sc)
		if err != nil {
			return triUnknown, err
		}
		if v == nil {
			return triUnknown, nil
		}
		re, err := likeRegexp(x.Pattern, x.CaseInsensitive)
		if err != nil {
			return triUnknown, err
		}
		res := triOf(re.MatchString(textOf(v)))
		if x.Negate {
			return res.not(), nil
		}
		return res, nil

	case ast.IsNull:
		v, err := ev.value(x.Expr, sc)
		if err != nil {
			return triUnknown, err
		}
		return triOf((v == nil) != x.Negate), nil

	case ast.And:
		res := triTrue
		for _, sub := range x.Exprs {
			t, err := ev.eval(sub, sc)
			if err != nil {
				return triUnknown, err
			}
			if t == triFalse {
				return triFalse, nil
			}
			if t == triUnknown {
				res = triUnknown
			}
		}
		return res, nil

	case ast.Or:
		res := triFalse
		for _, sub := range x.Exprs {
			t, err := ev.eval(sub, sc)
			if err != nil {
				return triUnknown, err
			}
			if t == triTrue {
				return triTrue, nil
			}
			if t == triUnknown {
				res = triUnknown
			}
		}
		return res, nil

	case ast.Not:
		t, err := ev.eval(x.Expr, sc)
		if err != nil {
			return triUnknown, err
		}
		return t.not(), nil

	case ast.Exists:
		rows, err := ev.selectRows(x.Query, sc)
		if err != nil {
			return triUnknown, err
		}
		return triOf(len(rows) > 0), nil
	}
	return triUnknown, driverErrorf("unsupported expression %T", e)
}

func (ev *evaluator) value(e ast.Expr, sc *scope) (any, error) {
	switch x := e.(type) {
	case ast.ColumnRef:
		return sc.lookup(x)
	case ast.Literal:
		return canonical(x.Val), nil
	}
	return nil, driverErrorf("unsupported value expression %T", e)
}

// selectRows evaluates a SELECT. outer is the enclosing scope of a
// correlated subquery, or nil.
func (ev *evaluator) selectRows(sel ast.Select, outer *scope) ([]map[string]any, error) {
	root, err := ev.db.table(sel.From)
	if err != nil {
		return nil, err
	}
	rootName := sel.From
	if sel.Alias != "" {
		rootName = sel.Alias
	}
	rows, err := root.decodeAll()
	if err != nil {
		return nil, err
	}
	tuples := make([][]binding, 0, len(rows))
	for _, r := range rows {
		tuples = append(tuples, []binding{{name: rootName, table: root, row: r}})
	}

	for _, j := range sel.Joins {
		jt, err := ev.db.table(j.Table)
		if err != nil {
			return nil, err
		}
		jname := j.Table
		if j.Alias != "" {
			jname = j.Alias
		}
		jrows, err := jt.decodeAll()
		if err != nil {
			return nil, err
		}
		var next [][]binding
		for _, tp := range tuples {
			matched := false
			for _, r := range jrows {
				cand := append(slices.Clone(tp), binding{name: jname, table: jt, row: r})
				ok, err := ev.truth(j.On, &scope{tuple: cand, outer: outer})
				if err != nil {
					return nil, fmt.Errorf("join %s: %w", j.Table, err)
				}
				if ok {
					next = append(next, cand)
					matched = true
				}
			}
			if !matched && j.Outer {
				next = append(next, append(slices.Clone(tp), binding{name: jname, table: jt}))
			}
		}
		tuples = next
	}

	kept := tuples[:0]
	for _, tp := range tuples {
		ok, err := ev.truth(sel.Where, &scope{tuple: tp, outer: outer})
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", sel.From, err)
		}
		if ok {
			kept = append(kept, tp)
		}
	}
	tuples = kept

	if sel.Count && !sel.Distinct {
		return []map[string]any{{"count": int64(len(tuples))}}, nil
	}

	if len(sel.OrderBy) > 0 {
		var sortErr error
		slices.SortStableFunc(tuples, func(a, b []binding) int {
			for _, o := range sel.OrderBy {
				av, err := (&scope{tuple: a, outer: outer}).lookup(o.Column)
				if err != nil && sortErr == nil {
					sortErr = err
				}
				bv, err := (&scope{tuple: b, outer: outer}).lookup(o.Column)
				if err != nil && sortErr == nil {
					sortErr = err
				}
				c, err := compareNullsFirst(av, bv)
				if err != nil && sortErr == nil {
					sortErr = err
				}
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
		if sortErr != nil {
			return nil, fmt.Errorf("order %s: %w", sel.From, sortErr)
		}
	}

	out := make([]map[string]any, 0, len(tuples))
	for _, tp := range tuples {
		if len(sel.Columns) == 0 {
			out = append(out, tp[0].row)
			continue
		}
		row := make(map[string]any, len(sel.Columns))
		sc := &scope{tuple: tp, outer: outer}
		for _, c := range sel.Columns {
			v, err := sc.lookup(c)
			if err != nil {
				return nil, err
			}
			row[c.Name] = v
		}
		out = append(out, row)
	}

	if sel.Distinct {
		seen := make(map[string]bool, len(out))
		uniq := out[:0]
		for _, row := range out {
			k, err := distinctKey(row)
			if err != nil {
				return nil, err
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			uniq = append(uniq, row)
		}
		out = uniq
	}

	if sel.Offset > 0 {
		if sel.Offset >= len(out) {
			out = nil
		} else {
			out = out[sel.Offset:]
		}
	}
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	if sel.Count {
		return []map[string]any{{"count": int64(len(out))}}, nil
	}
	return out, nil
}

func distinctKey(row map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(row); err != nil {
		return "", fmt.Errorf("distinct: %w", err)
	}
	return buf.String(), nil
}

// --- Values ---

// canonical maps Go values onto the stored types: int64, float64, bool,
// string, []byte and UTC time.Time.
func canonical(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case ast.Keyword:
		return string(x)
	}
	return v
}

// compareValues orders two non-NULL values, converting between numeric
// types and between text and timestamps.
func compareValues(a, b any) (int, error) {
	a, b = canonical(a), canonical(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), nil
		case float64:
			return cmp.Compare(float64(x), y), nil
		case bool:
			return cmp.Compare(x, boolInt(y)), nil
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), nil
		case int64:
			return cmp.Compare(x, float64(y)), nil
		}
	case bool:
		switch y := b.(type) {
		case bool:
			return cmp.Compare(boolInt(x), boolInt(y)), nil
		case int64:
			return cmp.Compare(boolInt(x), y), nil
		}
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case time.Time:
			if t, ok := parseTime(x); ok {
				return t.Compare(y), nil
			}
		case []byte:
			return bytes.Compare([]byte(x), y), nil
		}
	case []byte:
		switch y := b.(type) {
		case []byte:
			return bytes.Compare(x, y), nil
		case string:
			return bytes.Compare(x, []byte(y)), nil
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), nil
		case string:
			if t, ok := parseTime(y); ok {
				return x.Compare(t), nil
			}
		}
	}
	return 0, driverErrorf("cannot compare %T with %T", a, b)
}

func compareNullsFirst(a, b any) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	return compareValues(a, b)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func textOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// coerceColumn converts v to the storage type of a column, rejecting values
// the column cannot hold.
func coerceColumn(table string, c ast.ColumnDef, v any) (any, error) {
	v = canonical(v)
	if v == nil {
		return nil, nil
	}
	mismatch := func() (any, error) {
		return nil, driverErrorf("%s.%s: cannot store %T in %s column", table, c.Name, v, c.Type)
	}
	switch c.Type {
	case "integer":
		switch x := v.(type) {
		case int64:
			return x, nil
		case bool:
			return boolInt(x), nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		}
		return mismatch()
	case "real":
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
		return mismatch()
	case "boolean":
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
		return mismatch()
	case "timestamp":
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			if t, ok := parseTime(x); ok {
				return t, nil
			}
		}
		return mismatch()
	case "blob":
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
		return mismatch()
	case "text":
		switch x := v.(type) {
		case string:
			if c.Size > 0 && len([]rune(x)) > c.Size {
				return nil, driverErrorf("%s.%s: value longer than %d characters", table, c.Name, c.Size)
			}
			return x, nil
		case []byte:
			return string(x), nil
		}
		return mismatch()
	}
	return v, nil
}

var likeCache sync.Map

// likeRegexp translates a LIKE pattern (% and _ wildcards) to an anchored
// regular expression.
func likeRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	key := "s:" + pattern
	if caseInsensitive {
		key = "i:" + pattern
	}
	if re, ok := likeCache.Load(key); ok {
		return re.(*regexp.Regexp), nil
	}
	var b strings.Builder
	b.WriteString("(?s)")
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("like pattern %q: %w", pattern, err)
	}
	likeCache.Store(key, re)
	return re, nil
}
