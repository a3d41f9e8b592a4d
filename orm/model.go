package orm

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FieldInfo contains metadata about a single column field in a model struct.
type FieldInfo struct {
	// Tag is the parsed 'orm' struct tag.
	Tag FieldTag
	// Column is the column name.
	Column string
	// FieldName is the name of the field in the Go struct.
	FieldName string
	// FieldIndex is the 0-based index of the field in the Go struct.
	FieldIndex int
	// FieldType is the reflection type of the field.
	FieldType reflect.Type
	// IsPointer is true if the field is a pointer, used for nullable columns.
	IsPointer bool
	// ElemType is the field type with any pointer removed.
	ElemType reflect.Type
	// SQLType is the semantic column type (integer, text, real, boolean, timestamp, blob).
	SQLType string
}

// Nullable reports whether the column accepts NULL.
func (f FieldInfo) Nullable() bool {
	return !f.Tag.NotNull && !f.Tag.PrimaryKey
}

// RelationKind distinguishes the two relationship directions.
type RelationKind int

const (
	// ManyToOne is a Ref[T] field backed by a local foreign-key column.
	ManyToOne RelationKind = iota
	// OneToMany is a Collection[T] field backed by a foreign-key column on the target table.
	OneToMany
)

// RelationInfo contains metadata about a relationship field.
type RelationInfo struct {
	Name       string
	FieldIndex int
	Kind       RelationKind
	// TargetType is the struct type on the other side.
	TargetType reflect.Type
	// FKColumn is the owner's column for ManyToOne and the target's column for OneToMany.
	FKColumn string
	Cascade  Cascade
	OrderBy  string
}

// ModelInfo contains metadata about a registered model: its table, its
// column fields and its relationships.
type ModelInfo struct {
	// GoType is the reflection type of the Go struct representing the model.
	GoType reflect.Type
	// Table is the table name in the backing store.
	Table     string
	Fields    []FieldInfo
	PKFields  []FieldInfo
	Relations []RelationInfo
	// Version is the optimistic concurrency column, if any.
	Version *FieldInfo

	byColumn map[string]int
}

// Field retrieves FieldInfo by column name.
func (m *ModelInfo) Field(column string) (FieldInfo, bool) {
	i, ok := m.byColumn[column]
	if !ok {
		return FieldInfo{}, false
	}
	return m.Fields[i], true
}

// Columns returns the column names in declaration order.
func (m *ModelInfo) Columns() []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Column
	}
	return cols
}

// PKColumns returns the primary-key column names.
func (m *ModelInfo) PKColumns() []string {
	cols := make([]string, len(m.PKFields))
	for i, f := range m.PKFields {
		cols[i] = f.Column
	}
	return cols
}

// AutoIncrement returns the auto-increment key field, if the model has one.
func (m *ModelInfo) AutoIncrement() (FieldInfo, bool) {
	for _, f := range m.PKFields {
		if f.Tag.AutoIncrement {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// Relation retrieves a relationship by Go field name.
func (m *ModelInfo) Relation(name string) (RelationInfo, bool) {
	for _, r := range m.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return RelationInfo{}, false
}

// ForeignKeys returns the column-level foreign keys as (column, table, refColumn).
func (m *ModelInfo) ForeignKeys() []ForeignKeyInfo {
	var fks []ForeignKeyInfo
	for _, f := range m.Fields {
		if f.Tag.ForeignKey == "" {
			continue
		}
		table, col, _ := strings.Cut(f.Tag.ForeignKey, ".")
		fks = append(fks, ForeignKeyInfo{Column: f.Column, RefTable: table, RefColumn: col})
	}
	return fks
}

// ForeignKeyInfo is one column-level foreign key.
type ForeignKeyInfo struct {
	Column    string
	RefTable  string
	RefColumn string
}

var (
	baseEntityType = reflect.TypeOf(BaseEntity{})
	timeType       = reflect.TypeOf(time.Time{})
	bytesType      = reflect.TypeOf([]byte(nil))
	relationType   = reflect.TypeOf((*relationField)(nil)).Elem()
)

// Tabler can be implemented by a model to name its table.
type Tabler interface {
	TableName() string
}

// ExtractModelInfo analyzes a Go struct type and extracts its mapping metadata.
// The struct must embed BaseEntity to be a valid model.
func ExtractModelInfo(t reflect.Type) (*ModelInfo, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct, got %s", t.Kind())
	}

	info := &ModelInfo{
		GoType:   t,
		Table:    toSnakeCase(t.Name()),
		byColumn: make(map[string]int),
	}
	if tabler, ok := reflect.New(t).Interface().(Tabler); ok {
		if name := tabler.TableName(); name != "" {
			info.Table = name
		}
	}

	embedsBase := false
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Anonymous && field.Type == baseEntityType {
			embedsBase = true
			if tag, err := ParseTag(field.Tag.Get(TagName)); err == nil && tag.Table != "" {
				info.Table = tag.Table
			}
			continue
		}

		if !field.IsExported() || field.Anonymous {
			continue
		}

		tagStr := field.Tag.Get(TagName)
		if tagStr == "-" {
			continue
		}
		tag, err := ParseTag(tagStr)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}

		if reflect.PointerTo(field.Type).Implements(relationType) {
			rel, err := buildRelationInfo(field, i, tag)
			if err != nil {
				return nil, err
			}
			info.Relations = append(info.Relations, rel)
			continue
		}

		fi, err := buildFieldInfo(field, i, tag)
		if err != nil {
			return nil, err
		}
		if _, dup := info.byColumn[fi.Column]; dup {
			return nil, fmt.Errorf("field %s: duplicate column %q", field.Name, fi.Column)
		}
		info.byColumn[fi.Column] = len(info.Fields)
		info.Fields = append(info.Fields, fi)
		if tag.PrimaryKey {
			info.PKFields = append(info.PKFields, fi)
		}
		if tag.Version {
			if info.Version != nil {
				return nil, fmt.Errorf("field %s: only one version column allowed", field.Name)
			}
			v := fi
			info.Version = &v
		}
	}

	if !embedsBase {
		return nil, fmt.Errorf("type %s must embed orm.BaseEntity", t.Name())
	}
	if len(info.PKFields) == 0 {
		return nil, &SchemaValidationError{TypeName: t.Name(), Message: "no primary key field (tag option pk)"}
	}
	if _, ok := info.AutoIncrement(); ok && len(info.PKFields) > 1 {
		return nil, &SchemaValidationError{TypeName: t.Name(), Message: "autoincrement requires a single-column primary key"}
	}
	if info.Version != nil && info.Version.SQLType != "integer" {
		return nil, &SchemaValidationError{TypeName: t.Name(), Message: "version column must be an integer"}
	}
	for _, rel := range info.Relations {
		if rel.Kind == ManyToOne {
			if _, ok := info.byColumn[rel.FKColumn]; !ok {
				return nil, &SchemaValidationError{
					TypeName: t.Name(),
					Message:  fmt.Sprintf("relation %s: unknown ref column %q", rel.Name, rel.FKColumn),
				}
			}
		}
	}
	return info, nil
}

func buildFieldInfo(field reflect.StructField, index int, tag FieldTag) (FieldInfo, error) {
	fi := FieldInfo{
		Tag:        tag,
		Column:     tag.Name,
		FieldName:  field.Name,
		FieldIndex: index,
		FieldType:  field.Type,
		ElemType:   field.Type,
	}
	if fi.Column == "" {
		fi.Column = toSnakeCase(field.Name)
	}
	if field.Type.Kind() == reflect.Ptr {
		fi.IsPointer = true
		fi.ElemType = field.Type.Elem()
	}
	sqlType, ok := goTypeToSQL(fi.ElemType)
	if !ok {
		return FieldInfo{}, fmt.Errorf("field %s: unsupported column type %s", field.Name, field.Type)
	}
	fi.SQLType = sqlType
	if tag.AutoIncrement && sqlType != "integer" {
		return FieldInfo{}, fmt.Errorf("field %s: autoincrement requires an integer type", field.Name)
	}
	return fi, nil
}

func buildRelationInfo(field reflect.StructField, index int, tag FieldTag) (RelationInfo, error) {
	rf := reflect.New(field.Type).Interface().(relationField)
	rel := RelationInfo{
		Name:       field.Name,
		FieldIndex: index,
		TargetType: rf.targetType(),
		Cascade:    tag.Cascade | CascadeSaveUpdate,
		OrderBy:    tag.OrderBy,
	}
	if rf.isCollection() {
		rel.Kind = OneToMany
		rel.FKColumn = tag.ChildFK
		if rel.FKColumn == "" {
			return RelationInfo{}, fmt.Errorf("field %s: collection needs fk=<column>", field.Name)
		}
	} else {
		rel.Kind = ManyToOne
		rel.FKColumn = tag.Ref
		if rel.FKColumn == "" {
			return RelationInfo{}, fmt.Errorf("field %s: ref needs ref=<column>", field.Name)
		}
		if tag.Cascade.Has(CascadeDeleteOrphan) {
			return RelationInfo{}, fmt.Errorf("field %s: delete-orphan applies to collections only", field.Name)
		}
	}
	return rel, nil
}

// toSnakeCase converts a PascalCase Go name to snake_case.
// e.g. "UserAccount" → "user_account", "EmailAddress" → "email_address"
func toSnakeCase(name string) string {
	if name == "" {
		return ""
	}
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			prevLower := i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			prevUpper := i > 0 && runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if i > 0 && (prevLower || (prevUpper && nextLower)) {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// goTypeToSQL maps Go types to semantic column types.
func goTypeToSQL(t reflect.Type) (string, bool) {
	if t == timeType {
		return "timestamp", true
	}
	if t == bytesType {
		return "blob", true
	}
	switch t.Kind() {
	case reflect.String:
		return "text", true
	case reflect.Bool:
		return "boolean", true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer", true
	case reflect.Float32, reflect.Float64:
		return "real", true
	}
	return "", false
}

// --- Instance access ---

func structValue(e any) reflect.Value {
	v := reflect.ValueOf(e)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v
}

// columnValue reads one column from a struct value. Nil pointers read as nil
// and other pointers are dereferenced.
func columnValue(v reflect.Value, f FieldInfo) any {
	fv := v.Field(f.FieldIndex)
	if f.IsPointer {
		if fv.IsNil() {
			return nil
		}
		return fv.Elem().Interface()
	}
	if f.ElemType == bytesType && fv.IsNil() {
		return nil
	}
	return fv.Interface()
}

// columnValues reads every column into a fresh map.
func (m *ModelInfo) columnValues(e any) map[string]any {
	v := structValue(e)
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		out[f.Column] = cloneValue(columnValue(v, f))
	}
	return out
}

// pkValues reads the primary-key values in key order.
func (m *ModelInfo) pkValues(e any) []any {
	v := structValue(e)
	vals := make([]any, len(m.PKFields))
	for i, f := range m.PKFields {
		vals[i] = columnValue(v, f)
	}
	return vals
}

// hasIdentity reports whether every key column holds a usable value. A zero
// auto-increment key counts as unassigned.
func (m *ModelInfo) hasIdentity(e any) bool {
	v := structValue(e)
	for _, f := range m.PKFields {
		val := columnValue(v, f)
		if val == nil {
			return false
		}
		if f.Tag.AutoIncrement && v.Field(f.FieldIndex).IsZero() {
			return false
		}
	}
	return true
}

// restoreValues writes a snapshot back into the struct.
func (m *ModelInfo) restoreValues(e any, snap map[string]any) error {
	v := structValue(e)
	for _, f := range m.Fields {
		val, ok := snap[f.Column]
		if !ok {
			continue
		}
		if err := setFieldValue(v.Field(f.FieldIndex), f, cloneValue(val)); err != nil {
			return &HydrationError{TypeName: m.GoType.Name(), Field: f.FieldName, Cause: err}
		}
	}
	return nil
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}
