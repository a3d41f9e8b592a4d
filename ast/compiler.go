package ast

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and the few type spellings that differ
// between the supported SQL stores.
type Dialect int

const (
	// SQLite uses ? placeholders and INTEGER PRIMARY KEY AUTOINCREMENT.
	SQLite Dialect = iota
	// Postgres uses $n placeholders and identity columns.
	Postgres
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// Compiler compiles AST statements into SQL text plus bound arguments.
type Compiler struct {
	Dialect Dialect
}

// compileState accumulates bound arguments for a single Compile call.
type compileState struct {
	c    *Compiler
	args []any
}

// Compile compiles a single statement into its SQL representation.
// It returns an error if the node type is unknown or if compilation fails.
func (c *Compiler) Compile(stmt Statement) (string, []any, error) {
	st := &compileState{c: c}
	var (
		sql string
		err error
	)
	switch s := stmt.(type) {
	case CreateTable:
		sql, err = st.createTable(s)
	case DropTable:
		sql = "DROP TABLE "
		if s.IfExists {
			sql += "IF EXISTS "
		}
		sql += QuoteIdent(s.Name)
	case Insert:
		sql, err = st.insert(s)
	case Update:
		sql, err = st.update(s)
	case Delete:
		sql, err = st.delete(s)
	case Select:
		sql, err = st.selectStmt(s)
	case Raw:
		return s.SQL, s.Args, nil
	default:
		return "", nil, fmt.Errorf("unknown statement type: %T", stmt)
	}
	if err != nil {
		return "", nil, err
	}
	return sql, st.args, nil
}

// CompileExpr compiles a standalone expression. It is mostly useful for tests
// and statement logging.
func (c *Compiler) CompileExpr(e Expr) (string, []any, error) {
	st := &compileState{c: c}
	sql, err := st.expr(e)
	if err != nil {
		return "", nil, err
	}
	return sql, st.args, nil
}

func (st *compileState) bind(v any) string {
	st.args = append(st.args, v)
	if st.c.Dialect == Postgres {
		return "$" + strconv.Itoa(len(st.args))
	}
	return "?"
}

// --- Schema ---

func (st *compileState) createTable(s CreateTable) (string, error) {
	if len(s.Columns) == 0 {
		return "", fmt.Errorf("create table %s: no columns", s.Name)
	}
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if s.IfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(QuoteIdent(s.Name))
	b.WriteString(" (\n")

	inlinePK := false
	parts := make([]string, 0, len(s.Columns)+len(s.ForeignKeys)+2)
	for _, col := range s.Columns {
		def, inline, err := st.columnDef(col, s.PrimaryKey)
		if err != nil {
			return "", fmt.Errorf("create table %s: %w", s.Name, err)
		}
		inlinePK = inlinePK || inline
		parts = append(parts, "\t"+def)
	}
	if len(s.PrimaryKey) > 0 && !inlinePK {
		parts = append(parts, "\tPRIMARY KEY ("+quoteList(s.PrimaryKey)+")")
	}
	for _, u := range s.Uniques {
		parts = append(parts, "\tUNIQUE ("+quoteList(u)+")")
	}
	for _, fk := range s.ForeignKeys {
		if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
			return "", fmt.Errorf("create table %s: malformed foreign key to %s", s.Name, fk.RefTable)
		}
		parts = append(parts, fmt.Sprintf("\tFOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteList(fk.Columns), QuoteIdent(fk.RefTable), quoteList(fk.RefColumns)))
	}
	b.WriteString(strings.Join(parts, ",\n"))
	b.WriteString("\n)")
	return b.String(), nil
}

// columnDef renders one column. The returned flag reports whether the
// column carries the table's primary key inline.
func (st *compileState) columnDef(col ColumnDef, pk []string) (string, bool, error) {
	soloPK := len(pk) == 1 && pk[0] == col.Name
	if col.AutoIncrement && !soloPK {
		return "", false, fmt.Errorf("column %s: autoincrement requires a single-column primary key", col.Name)
	}
	var b strings.Builder
	b.WriteString(QuoteIdent(col.Name))
	b.WriteByte(' ')
	inline := false
	switch {
	case col.AutoIncrement && st.c.Dialect == SQLite:
		b.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		inline = true
	case col.AutoIncrement:
		b.WriteString("BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY")
		inline = true
	default:
		b.WriteString(st.c.SQLType(col.Type, col.Size))
		if col.NotNull {
			b.WriteString(" NOT NULL")
		}
		if col.Unique {
			b.WriteString(" UNIQUE")
		}
		if col.Default != nil {
			b.WriteString(" DEFAULT ")
			b.WriteString(FormatGoValue(col.Default))
		}
	}
	return b.String(), inline, nil
}

// SQLType maps a semantic column type onto the dialect's spelling.
func (c *Compiler) SQLType(semantic string, size int) string {
	switch semantic {
	case "integer":
		if c.Dialect == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case "real":
		if c.Dialect == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case "boolean":
		return "BOOLEAN"
	case "timestamp":
		if c.Dialect == Postgres {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case "blob":
		if c.Dialect == Postgres {
			return "BYTEA"
		}
		return "BLOB"
	default:
		if size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", size)
		}
		return "TEXT"
	}
}

// --- Data ---

func (st *compileState) insert(s Insert) (string, error) {
	if len(s.Columns) != len(s.Values) {
		return "", fmt.Errorf("insert %s: %d columns but %d values", s.Table, len(s.Columns), len(s.Values))
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteIdent(s.Table))
	if len(s.Columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		b.WriteString(" (")
		b.WriteString(quoteList(s.Columns))
		b.WriteString(") VALUES (")
		for i, v := range s.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(st.bind(v))
		}
		b.WriteString(")")
	}
	if len(s.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(quoteList(s.Returning))
	}
	return b.String(), nil
}

func (st *compileState) update(s Update) (string, error) {
	if len(s.Set) == 0 {
		return "", fmt.Errorf("update %s: no assignments", s.Table)
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(QuoteIdent(s.Table))
	b.WriteString(" SET ")
	for i, a := range s.Set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(a.Column))
		b.WriteString(" = ")
		b.WriteString(st.bind(a.Value))
	}
	if err := st.where(&b, s.Where); err != nil {
		return "", fmt.Errorf("update %s: %w", s.Table, err)
	}
	return b.String(), nil
}

func (st *compileState) delete(s Delete) (string, error) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(QuoteIdent(s.Table))
	if err := st.where(&b, s.Where); err != nil {
		return "", fmt.Errorf("delete %s: %w", s.Table, err)
	}
	return b.String(), nil
}

func (st *compileState) where(b *strings.Builder, e Expr) error {
	if e == nil {
		return nil
	}
	s, err := st.expr(e)
	if err != nil {
		return err
	}
	b.WriteString(" WHERE ")
	b.WriteString(s)
	return nil
}

func (st *compileState) selectStmt(s Select) (string, error) {
	if s.Count && s.Distinct {
		inner := s
		inner.Count = false
		inner.OrderBy = nil
		sub, err := st.selectStmt(inner)
		if err != nil {
			return "", err
		}
		return "SELECT COUNT(*) AS count FROM (" + sub + ") AS sub", nil
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	from := s.From
	if s.Alias != "" {
		from = s.Alias
	}
	switch {
	case s.Count:
		b.WriteString("COUNT(*) AS count")
	case len(s.Columns) == 0:
		b.WriteString(QuoteIdent(from) + ".*")
	default:
		cols := make([]string, len(s.Columns))
		for i, c := range s.Columns {
			cols[i] = columnSQL(c)
		}
		b.WriteString(strings.Join(cols, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(s.From))
	if s.Alias != "" {
		b.WriteString(" AS ")
		b.WriteString(QuoteIdent(s.Alias))
	}
	for _, j := range s.Joins {
		if j.Outer {
			b.WriteString(" LEFT OUTER JOIN ")
		} else {
			b.WriteString(" JOIN ")
		}
		b.WriteString(QuoteIdent(j.Table))
		if j.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(QuoteIdent(j.Alias))
		}
		if j.On != nil {
			on, err := st.expr(j.On)
			if err != nil {
				return "", fmt.Errorf("join %s: %w", j.Table, err)
			}
			b.WriteString(" ON ")
			b.WriteString(on)
		}
	}
	if err := st.where(&b, s.Where); err != nil {
		return "", fmt.Errorf("select %s: %w", s.From, err)
	}
	if len(s.OrderBy) > 0 && !s.Count {
		terms := make([]string, len(s.OrderBy))
		for i, o := range s.OrderBy {
			terms[i] = columnSQL(o.Column)
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}
	if s.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(s.Limit))
	}
	if s.Offset > 0 {
		if s.Limit <= 0 && st.c.Dialect == SQLite {
			b.WriteString(" LIMIT -1")
		}
		b.WriteString(" OFFSET " + strconv.Itoa(s.Offset))
	}
	return b.String(), nil
}

// --- Expressions ---

func (st *compileState) expr(e Expr) (string, error) {
	switch x := e.(type) {
	case ColumnRef:
		return columnSQL(x), nil
	case Literal:
		if x.Val == nil {
			return "NULL", nil
		}
		return st.bind(x.Val), nil
	case Compare:
		switch x.Op {
		case "=", "!=", "<", "<=", ">", ">=":
		default:
			return "", fmt.Errorf("unknown comparison operator %q", x.Op)
		}
		l, err := st.expr(x.Left)
		if err != nil {
			return "", err
		}
		r, err := st.expr(x.Right)
		if err != nil {
			return "", err
		}
		op := x.Op
		if op == "!=" {
			op = "<>"
		}
		return l + " " + op + " " + r, nil
	case InList:
		l, err := st.expr(x.Expr)
		if err != nil {
			return "", err
		}
		if len(x.Values) == 0 {
			if x.Negate {
				return "1 = 1", nil
			}
			return "1 = 0", nil
		}
		ph := make([]string, len(x.Values))
		for i, v := range x.Values {
			ph[i] = st.bind(v)
		}
		kw := " IN ("
		if x.Negate {
			kw = " NOT IN ("
		}
		return l + kw + strings.Join(ph, ", ") + ")", nil
	case Like:
		l, err := st.expr(x.Expr)
		if err != nil {
			return "", err
		}
		kw := "LIKE"
		if x.CaseInsensitive {
			if st.c.Dialect == Postgres {
				kw = "ILIKE"
			} else {
				l = "LOWER(" + l + ")"
			}
		}
		if x.Negate {
			kw = "NOT " + kw
		}
		pattern := x.Pattern
		if x.CaseInsensitive && st.c.Dialect != Postgres {
			pattern = strings.ToLower(pattern)
		}
		return l + " " + kw + " " + st.bind(pattern), nil
	case IsNull:
		l, err := st.expr(x.Expr)
		if err != nil {
			return "", err
		}
		if x.Negate {
			return l + " IS NOT NULL", nil
		}
		return l + " IS NULL", nil
	case And:
		return st.junction(x.Exprs, " AND ", "1 = 1")
	case Or:
		return st.junction(x.Exprs, " OR ", "1 = 0")
	case Not:
		inner, err := st.expr(x.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case Exists:
		sub, err := st.selectStmt(x.Query)
		if err != nil {
			return "", err
		}
		return "EXISTS (" + sub + ")", nil
	default:
		return "", fmt.Errorf("unknown expression type: %T", e)
	}
}

func (st *compileState) junction(exprs []Expr, sep, empty string) (string, error) {
	if len(exprs) == 0 {
		return empty, nil
	}
	if len(exprs) == 1 {
		return st.expr(exprs[0])
	}
	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		s, err := st.expr(e)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// --- Formatting helpers ---

func columnSQL(c ColumnRef) string {
	if c.Table == "" {
		return QuoteIdent(c.Name)
	}
	return QuoteIdent(c.Table) + "." + QuoteIdent(c.Name)
}

func quoteList(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = QuoteIdent(n)
	}
	return strings.Join(q, ", ")
}

// QuoteIdent quotes an identifier with double quotes, doubling any embedded quote.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// EscapeString escapes single quotes for use in SQL string literals.
func EscapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// FormatGoValue converts a Go value into its SQL literal representation.
// It uses reflection to determine the type and handles basic types, pointers, and time.Time.
// Column defaults and statement logging use it; data statements always bind
// parameters instead.
func FormatGoValue(value any) string {
	if value == nil {
		return "NULL"
	}

	v := reflect.ValueOf(value)

	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "NULL"
		}
		v = v.Elem()
		value = v.Interface()
	}

	switch val := value.(type) {
	case Keyword:
		return string(val)
	case string:
		return "'" + EscapeString(val) + "'"
	case []byte:
		return fmt.Sprintf("X'%X'", val)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", val)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%v", val)
	case time.Time:
		return "'" + val.UTC().Format("2006-01-02 15:04:05.999999999") + "'"
	default:
		s := fmt.Sprintf("%v", val)
		return "'" + EscapeString(s) + "'"
	}
}

// Inline renders a compiled statement with its arguments substituted, for
// logging only. The result must never be executed.
func Inline(sql string, args []any) string {
	if len(args) == 0 {
		return sql
	}
	formatted := make([]string, len(args))
	for i, a := range args {
		formatted[i] = FormatGoValue(a)
	}
	return sql + " " + "[" + strings.Join(formatted, ", ") + "]"
}
