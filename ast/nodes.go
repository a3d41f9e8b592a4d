// Package ast defines the Abstract Syntax Tree (AST) for the SQL statements
// issued by the unit of work.
//
// It decouples statement construction from string formatting: the session
// builds nodes, and each backing store either compiles them to SQL text or
// evaluates them directly.
package ast

// Node is the marker interface for all AST nodes.
type Node interface {
	node()
}

// Statement is the marker interface for executable statements.
type Statement interface {
	Node
	statement()
}

// Expr is the marker interface for boolean and value expressions.
type Expr interface {
	Node
	expr()
}

// --- Schema statements ---

// ColumnDef describes one column of a CREATE TABLE statement.
type ColumnDef struct {
	// Name is the column name.
	Name string
	// Type is the semantic column type (integer, text, real, boolean, timestamp, blob).
	Type string
	// Size is an optional length for text columns (VARCHAR(n)); zero means unbounded.
	Size          int
	NotNull       bool
	PrimaryKey    bool
	AutoIncrement bool
	Unique        bool
	// Default is an optional literal default value.
	Default any
}

// Keyword is a column default rendered verbatim, such as CURRENT_TIMESTAMP.
type Keyword string

// ForeignKey describes a table-level foreign-key constraint.
type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

// CreateTable represents CREATE TABLE.
type CreateTable struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Uniques     [][]string
	IfNotExists bool
}

func (CreateTable) node()      {}
func (CreateTable) statement() {}

// DropTable represents DROP TABLE.
type DropTable struct {
	Name     string
	IfExists bool
}

func (DropTable) node()      {}
func (DropTable) statement() {}

// --- Data statements ---

// Insert represents INSERT INTO table (columns) VALUES (values) [RETURNING ...].
type Insert struct {
	Table   string
	Columns []string
	Values  []any
	// Returning lists columns whose stored values are sent back as a row,
	// typically auto-increment keys and server defaults.
	Returning []string
}

func (Insert) node()      {}
func (Insert) statement() {}

// Assignment is one SET column = value pair of an UPDATE.
type Assignment struct {
	Column string
	Value  any
}

// Update represents UPDATE table SET ... WHERE ....
type Update struct {
	Table string
	Set   []Assignment
	Where Expr
}

func (Update) node()      {}
func (Update) statement() {}

// Delete represents DELETE FROM table WHERE ....
type Delete struct {
	Table string
	Where Expr
}

func (Delete) node()      {}
func (Delete) statement() {}

// Join is an INNER (or LEFT OUTER) join clause of a Select.
type Join struct {
	Table string
	Alias string
	On    Expr
	Outer bool
}

// Order is one ORDER BY term.
type Order struct {
	Column ColumnRef
	Desc   bool
}

// Select represents a SELECT over one table with optional joins.
type Select struct {
	From  string
	Alias string
	// Columns lists the projected columns; empty selects every column of From.
	Columns  []ColumnRef
	Joins    []Join
	Where    Expr
	OrderBy  []Order
	Limit    int
	Offset   int
	Distinct bool
	// Count replaces the projection with a single "count" column.
	Count bool
}

func (Select) node()      {}
func (Select) statement() {}

// Raw is a textual statement passed to the store verbatim. Args use the
// store's native placeholder syntax.
type Raw struct {
	SQL  string
	Args []any
}

func (Raw) node()      {}
func (Raw) statement() {}

// --- Expressions ---

// ColumnRef references a column, optionally qualified by table or alias.
type ColumnRef struct {
	Table string
	Name  string
}

func (ColumnRef) node() {}
func (ColumnRef) expr() {}

// Literal is a bound parameter value.
type Literal struct {
	Val any
}

func (Literal) node() {}
func (Literal) expr() {}

// Compare is a binary comparison: =, !=, <, <=, >, >=.
type Compare struct {
	Left  Expr
	Op    string
	Right Expr
}

func (Compare) node() {}
func (Compare) expr() {}

// InList is expr [NOT] IN (values...).
type InList struct {
	Expr   Expr
	Values []any
	Negate bool
}

func (InList) node() {}
func (InList) expr() {}

// Like is expr [NOT] LIKE pattern, with % and _ wildcards.
type Like struct {
	Expr            Expr
	Pattern         string
	CaseInsensitive bool
	Negate          bool
}

func (Like) node() {}
func (Like) expr() {}

// IsNull is expr IS [NOT] NULL.
type IsNull struct {
	Expr   Expr
	Negate bool
}

func (IsNull) node() {}
func (IsNull) expr() {}

// And is a conjunction. An empty And is true.
type And struct {
	Exprs []Expr
}

func (And) node() {}
func (And) expr() {}

// Or is a disjunction. An empty Or is false.
type Or struct {
	Exprs []Expr
}

func (Or) node() {}
func (Or) expr() {}

// Not negates an expression.
type Not struct {
	Expr Expr
}

func (Not) node() {}
func (Not) expr() {}

// Exists is EXISTS (subquery). The subquery may reference columns of the
// enclosing query by table name or alias.
type Exists struct {
	Query Select
}

func (Exists) node() {}
func (Exists) expr() {}
