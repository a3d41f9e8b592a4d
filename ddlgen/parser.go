// Package ddlgen parses SQL CREATE TABLE statements and generates orm model
// structs from them.
package ddlgen

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// --- Participle grammar structs ---
// These define the subset of SQL DDL needed to describe tables: column
// definitions with inline constraints and table-level constraints.

// DDLFile is a sequence of CREATE TABLE statements.
type DDLFile struct {
	Tables []*CreateTableDef `parser:"( @@ ';'* )*"`
}

// CreateTableDef parses: CREATE [TEMP] TABLE [IF NOT EXISTS] name ( elements ) [options]
type CreateTableDef struct {
	Temporary   bool          `parser:"'CREATE' @( 'TEMP' | 'TEMPORARY' )? 'TABLE'"`
	IfNotExists bool          `parser:"@( 'IF' 'NOT' 'EXISTS' )?"`
	Name        []string      `parser:"@(Ident | QuotedIdent) ( '.' @(Ident | QuotedIdent) )?"`
	Elements    []*ElementDef `parser:"'(' @@ ( ',' @@ )* ')'"`
	Options     []string      `parser:"( @'WITHOUT' @Ident | @'STRICT' | ',' )*"`
}

// ElementDef is either a table constraint or a column definition.
type ElementDef struct {
	Constraint *TableConstraintDef `parser:"  @@"`
	Column     *ColumnDefP         `parser:"| @@"`
}

// TableConstraintDef parses: [CONSTRAINT name] PRIMARY KEY (...) | UNIQUE (...) | FOREIGN KEY (...) REFERENCES ... | CHECK (...)
type TableConstraintDef struct {
	Name       string         `parser:"( 'CONSTRAINT' @(Ident | QuotedIdent) )?"`
	PrimaryKey []string       `parser:"(   'PRIMARY' 'KEY' '(' @(Ident | QuotedIdent) ( 'ASC' | 'DESC' )? ( ',' @(Ident | QuotedIdent) ( 'ASC' | 'DESC' )? )* ')'"`
	Unique     []string       `parser:"  | 'UNIQUE' '(' @(Ident | QuotedIdent) ( ',' @(Ident | QuotedIdent) )* ')'"`
	ForeignKey *ForeignKeyDef `parser:"  | @@"`
	Check      *ParenExpr     `parser:"  | 'CHECK' @@ )"`
}

// ForeignKeyDef parses: FOREIGN KEY (cols) REFERENCES table [(cols)] [actions]
type ForeignKeyDef struct {
	Columns    []string       `parser:"'FOREIGN' 'KEY' '(' @(Ident | QuotedIdent) ( ',' @(Ident | QuotedIdent) )* ')'"`
	References *ReferencesDef `parser:"@@"`
}

// ReferencesDef parses: REFERENCES table [(cols)] [ON DELETE|UPDATE action]...
type ReferencesDef struct {
	Table   string   `parser:"'REFERENCES' @(Ident | QuotedIdent)"`
	Columns []string `parser:"( '(' @(Ident | QuotedIdent) ( ',' @(Ident | QuotedIdent) )* ')' )?"`
	Actions []string `parser:"( 'ON' ( 'DELETE' | 'UPDATE' ) @( 'CASCADE' | 'RESTRICT' | 'SET' ( 'NULL' | 'DEFAULT' ) | 'NO' 'ACTION' ) )*"`
}

// ColumnDefP parses: name [type [(size[, scale])]] [constraints...]
type ColumnDefP struct {
	Name        string                 `parser:"@(Ident | QuotedIdent)"`
	TypeWords   []string               `parser:"@Ident*"`
	Size        []string               `parser:"( '(' @Int ( ',' @Int )? ')' )?"`
	TypeSuffix  []string               `parser:"@Ident*"`
	Constraints []*ColumnConstraintDef `parser:"@@*"`
}

// ColumnConstraintDef is one inline column constraint.
type ColumnConstraintDef struct {
	Name          string         `parser:"( 'CONSTRAINT' @(Ident | QuotedIdent) )?"`
	PrimaryKey    bool           `parser:"(   @( 'PRIMARY' 'KEY' ) ( 'ASC' | 'DESC' )?"`
	AutoIncrement bool           `parser:"  | @( 'AUTOINCREMENT' | 'AUTO_INCREMENT' )"`
	Identity      bool           `parser:"  | @( 'GENERATED' ( 'ALWAYS' | 'BY' 'DEFAULT' ) 'AS' 'IDENTITY' )"`
	NotNull       bool           `parser:"  | @( 'NOT' 'NULL' )"`
	Null          bool           `parser:"  | @'NULL'"`
	Unique        bool           `parser:"  | @'UNIQUE'"`
	Default       *DefaultDef    `parser:"  | 'DEFAULT' @@"`
	References    *ReferencesDef `parser:"  | @@"`
	Check         *ParenExpr     `parser:"  | 'CHECK' @@ )"`
}

// DefaultDef parses a DEFAULT value: literal, keyword, identifier or parenthesised expression.
type DefaultDef struct {
	Number  string     `parser:"  @( '-'? ( Float | Int ) )"`
	String  string     `parser:"| @String"`
	Keyword string     `parser:"| @( 'NULL' | 'TRUE' | 'FALSE' | 'CURRENT_TIMESTAMP' | 'CURRENT_DATE' | 'CURRENT_TIME' )"`
	Ident   string     `parser:"| @Ident"`
	Expr    *ParenExpr `parser:"| @@"`
}

// ParenExpr captures a balanced parenthesised token sequence verbatim.
type ParenExpr struct {
	Tokens []*ParenToken `parser:"'(' @@* ')'"`
}

// ParenToken is one token or a nested group inside a ParenExpr.
type ParenToken struct {
	Group *ParenExpr `parser:"  @@"`
	Tok   string     `parser:"| @( Ident | QuotedIdent | Keyword | String | Float | Int | Op | ',' | '.' )"`
}

func (p *ParenExpr) String() string {
	parts := make([]string, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		if t.Group != nil {
			parts = append(parts, t.Group.String())
		} else {
			parts = append(parts, t.Tok)
		}
	}
	return "(" + strings.Join(parts, " ") + ")"
}

var ddlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*|/\*(?s:.*?)\*/`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Keyword", Pattern: `(?i)\b(CREATE|TEMPORARY|TEMP|TABLE|IF|NOT|EXISTS|CONSTRAINT|PRIMARY|KEY|FOREIGN|REFERENCES|UNIQUE|NULL|DEFAULT|CHECK|AUTOINCREMENT|AUTO_INCREMENT|GENERATED|ALWAYS|BY|AS|IDENTITY|ON|DELETE|UPDATE|CASCADE|RESTRICT|SET|NO|ACTION|ASC|DESC|TRUE|FALSE|CURRENT_TIMESTAMP|CURRENT_DATE|CURRENT_TIME|WITHOUT|STRICT)\b`},
	{Name: "QuotedIdent", Pattern: "\"(?:[^\"]|\"\")*\"|`[^`]*`|\\[[^\\]]*\\]"},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Float", Pattern: `\d+\.\d+`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_$]*`},
	{Name: "Punct", Pattern: `[(),;.]`},
	{Name: "Op", Pattern: `[-+*/<>=!|%]+`},
})

var ddlParser = participle.MustBuild[DDLFile](
	participle.Lexer(ddlLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.CaseInsensitive("Keyword"),
	participle.UseLookahead(3),
)

// ParseSchema parses CREATE TABLE statements into a ParsedSchema.
func ParseSchema(input string) (*ParsedSchema, error) {
	file, err := ddlParser.ParseString("schema.sql", input)
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	schema := convertAST(file)
	if err := schema.resolveReferences(); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return schema, nil
}

// ParseSchemaFile reads and parses a DDL file.
func ParseSchemaFile(path string) (*ParsedSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(string(data))
}

// --- AST conversion ---

func convertAST(file *DDLFile) *ParsedSchema {
	schema := &ParsedSchema{}
	for _, t := range file.Tables {
		schema.Tables = append(schema.Tables, convertTable(t))
	}
	return schema
}

func convertTable(t *CreateTableDef) TableSpec {
	spec := TableSpec{Name: unquoteIdent(t.Name[len(t.Name)-1])}
	for _, el := range t.Elements {
		if el.Column != nil {
			convertColumn(&spec, el.Column)
			continue
		}
		c := el.Constraint
		switch {
		case len(c.PrimaryKey) > 0:
			spec.PrimaryKey = unquoteAll(c.PrimaryKey)
		case len(c.Unique) > 0:
			spec.Uniques = append(spec.Uniques, unquoteAll(c.Unique))
		case c.ForeignKey != nil:
			spec.ForeignKeys = append(spec.ForeignKeys, ForeignKeySpec{
				Columns:    unquoteAll(c.ForeignKey.Columns),
				RefTable:   unquoteIdent(c.ForeignKey.References.Table),
				RefColumns: unquoteAll(c.ForeignKey.References.Columns),
			})
		}
	}
	// A single-column UNIQUE constraint is recorded on the column itself.
	uniques := spec.Uniques[:0]
	for _, u := range spec.Uniques {
		if col, ok := spec.Column(u[0]); ok && len(u) == 1 {
			col.Unique = true
			continue
		}
		uniques = append(uniques, u)
	}
	spec.Uniques = uniques
	if len(spec.Uniques) == 0 {
		spec.Uniques = nil
	}
	return spec
}

func convertColumn(spec *TableSpec, c *ColumnDefP) {
	col := ColumnSpec{
		Name:    unquoteIdent(c.Name),
		SQLType: strings.ToUpper(strings.Join(append(append([]string(nil), c.TypeWords...), c.TypeSuffix...), " ")),
	}
	if len(c.Size) > 0 {
		col.Size, _ = strconv.Atoi(c.Size[0])
	}
	if strings.Contains(col.SQLType, "SERIAL") {
		col.AutoIncrement = true
	}
	for _, cc := range c.Constraints {
		switch {
		case cc.PrimaryKey:
			spec.PrimaryKey = []string{col.Name}
		case cc.AutoIncrement, cc.Identity:
			col.AutoIncrement = true
		case cc.NotNull:
			col.NotNull = true
		case cc.Unique:
			col.Unique = true
		case cc.Default != nil:
			col.Default = cc.Default.raw()
		case cc.References != nil:
			spec.ForeignKeys = append(spec.ForeignKeys, ForeignKeySpec{
				Columns:    []string{col.Name},
				RefTable:   unquoteIdent(cc.References.Table),
				RefColumns: unquoteAll(cc.References.Columns),
			})
		}
	}
	spec.Columns = append(spec.Columns, col)
}

func (d *DefaultDef) raw() string {
	switch {
	case d.Number != "":
		return d.Number
	case d.String != "":
		return d.String
	case d.Keyword != "":
		return strings.ToUpper(d.Keyword)
	case d.Ident != "":
		return d.Ident
	case d.Expr != nil:
		return d.Expr.String()
	}
	return ""
}

func unquoteIdent(s string) string {
	if len(s) < 2 {
		return s
	}
	switch s[0] {
	case '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	case '`', '[':
		return s[1 : len(s)-1]
	}
	return s
}

func unquoteAll(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = unquoteIdent(n)
	}
	return out
}
