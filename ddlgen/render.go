package ddlgen

import (
	"fmt"
	"io"
	"strings"
	"text/template"
)

// RenderConfig specifies the settings for generating Go models from a schema.
type RenderConfig struct {
	// PackageName is the name of the Go package for the generated code.
	PackageName string
	// ModulePath is the import path of the orm package.
	ModulePath string
	// UseAcronyms, if true, applies Go acronym naming conventions (e.g., 'ID' instead of 'Id').
	UseAcronyms bool
	// Relations, if true, generates Ref and Collection fields from foreign keys.
	Relations bool
	// SchemaVersion is an optional string included in the generated file header.
	SchemaVersion string
}

// DefaultConfig returns a standard RenderConfig with sensible defaults.
func DefaultConfig() RenderConfig {
	return RenderConfig{
		PackageName: "models",
		ModulePath:  "github.com/CaliLuke/go-uow/orm",
		UseAcronyms: true,
		Relations:   true,
	}
}

// Render writes Go model structs for every table in the schema.
func Render(w io.Writer, schema *ParsedSchema, cfg RenderConfig) error {
	if cfg.PackageName == "" {
		cfg.PackageName = "models"
	}
	if cfg.ModulePath == "" {
		cfg.ModulePath = DefaultConfig().ModulePath
	}

	data := &renderData{
		PackageName:   cfg.PackageName,
		ModulePath:    cfg.ModulePath,
		SchemaVersion: cfg.SchemaVersion,
	}
	for i := range schema.Tables {
		m, err := buildModelCtx(schema, &schema.Tables[i], cfg)
		if err != nil {
			return err
		}
		if m.NeedsTime {
			data.NeedsTime = true
		}
		data.Models = append(data.Models, m)
	}
	return renderTemplate.Execute(w, data)
}

// --- Template context types ---

type renderData struct {
	PackageName   string
	ModulePath    string
	SchemaVersion string
	NeedsTime     bool
	Models        []modelCtx
}

type modelCtx struct {
	GoName    string
	Table     string
	Fields    []fieldCtx
	NeedsTime bool
}

type fieldCtx struct {
	GoName string
	GoType string
	Tag    string
}

// --- Context builders ---

func buildModelCtx(schema *ParsedSchema, t *TableSpec, cfg RenderConfig) (modelCtx, error) {
	if len(t.PrimaryKey) == 0 {
		return modelCtx{}, fmt.Errorf("table %s: no primary key", t.Name)
	}
	m := modelCtx{
		GoName: modelName(t.Name, cfg),
		Table:  t.Name,
	}
	used := make(map[string]bool)
	for _, c := range t.Columns {
		f := buildFieldCtx(t, c, cfg)
		if f.GoType == "time.Time" || f.GoType == "*time.Time" {
			m.NeedsTime = true
		}
		used[f.GoName] = true
		m.Fields = append(m.Fields, f)
	}
	if !cfg.Relations {
		return m, nil
	}

	for _, fk := range t.ForeignKeys {
		if len(fk.Columns) != 1 {
			continue
		}
		ref, ok := schema.Table(fk.RefTable)
		if !ok {
			continue
		}
		name := goFieldName(strings.TrimSuffix(strings.TrimSuffix(fk.Columns[0], "_id"), "_ID"), cfg)
		if used[name] {
			name += "Ref"
		}
		used[name] = true
		m.Fields = append(m.Fields, fieldCtx{
			GoName: name,
			GoType: fmt.Sprintf("orm.Ref[%s]", modelName(ref.Name, cfg)),
			Tag:    fmt.Sprintf("`orm:\"ref=%s\"`", fk.Columns[0]),
		})
	}

	// Collections on the referenced side.
	for i := range schema.Tables {
		child := &schema.Tables[i]
		for _, fk := range child.ForeignKeys {
			if len(fk.Columns) != 1 || !strings.EqualFold(fk.RefTable, t.Name) {
				continue
			}
			name := goFieldName(child.Name, cfg)
			if used[name] {
				name += "By" + goFieldName(fk.Columns[0], cfg)
			}
			used[name] = true
			m.Fields = append(m.Fields, fieldCtx{
				GoName: name,
				GoType: fmt.Sprintf("orm.Collection[%s]", modelName(child.Name, cfg)),
				Tag:    fmt.Sprintf("`orm:\"fk=%s\"`", fk.Columns[0]),
			})
		}
	}
	return m, nil
}

func buildFieldCtx(t *TableSpec, c ColumnSpec, cfg RenderConfig) fieldCtx {
	f := fieldCtx{GoName: goFieldName(c.Name, cfg)}

	pk := t.IsPrimaryKey(c.Name)
	tagParts := []string{c.Name}
	if pk {
		tagParts = append(tagParts, "pk")
	}
	if c.AutoIncrement && pk {
		tagParts = append(tagParts, "autoincrement")
	}
	if c.NotNull && !pk {
		tagParts = append(tagParts, "notnull")
	}
	if c.Unique {
		tagParts = append(tagParts, "unique")
	}
	if fk, ok := t.ForeignKeyFor(c.Name); ok && len(fk.RefColumns) == 1 {
		tagParts = append(tagParts, fmt.Sprintf("fk=%s.%s", fk.RefTable, fk.RefColumns[0]))
	}
	if c.Size > 0 {
		tagParts = append(tagParts, fmt.Sprintf("size=%d", c.Size))
	}
	hasDefault := taggableDefault(c.Default)
	if hasDefault {
		tagParts = append(tagParts, "default="+c.Default)
	}
	f.Tag = fmt.Sprintf("`orm:\"%s\"`", strings.Join(tagParts, ","))

	goType := sqlToGo(SemanticType(c.SQLType))
	switch {
	case goType == "[]byte", pk:
		f.GoType = goType
	case !c.NotNull, hasDefault:
		// nil leaves the column to its default or NULL.
		f.GoType = "*" + goType
	default:
		f.GoType = goType
	}
	return f
}

// taggableDefault reports whether a DEFAULT expression survives the
// comma-separated tag syntax.
func taggableDefault(raw string) bool {
	return raw != "" && !strings.EqualFold(raw, "NULL") && !strings.ContainsAny(raw, ",\"`()")
}

func modelName(table string, cfg RenderConfig) string {
	return goTypeName(Singular(table), cfg)
}

func goTypeName(name string, cfg RenderConfig) string {
	if cfg.UseAcronyms {
		return ToPascalCaseAcronyms(name)
	}
	return ToPascalCase(name)
}

func goFieldName(name string, cfg RenderConfig) string {
	return goTypeName(name, cfg)
}

func sqlToGo(semantic string) string {
	switch semantic {
	case "integer":
		return "int64"
	case "real":
		return "float64"
	case "boolean":
		return "bool"
	case "timestamp":
		return "time.Time"
	case "blob":
		return "[]byte"
	default:
		return "string"
	}
}

// --- Go template ---

var renderTemplate = template.Must(template.New("models").Parse(`// Code generated by ddlgen. DO NOT EDIT.
{{- if .SchemaVersion}}
// Schema version: {{.SchemaVersion}}
{{- end}}

package {{.PackageName}}

import (
{{- if .NeedsTime}}
	"time"
{{end}}
	"{{.ModulePath}}"
)
{{range .Models}}
// {{.GoName}} maps the {{.Table}} table.
type {{.GoName}} struct {
	orm.BaseEntity ` + "`" + `orm:"table:{{.Table}}"` + "`" + `
{{- range .Fields}}
	{{.GoName}} {{.GoType}} {{.Tag}}
{{- end}}
}
{{end}}
// RegisterModels registers every generated model with the orm registry.
func RegisterModels() error {
{{- range .Models}}
	if err := orm.Register[{{.GoName}}](); err != nil {
		return err
	}
{{- end}}
	return nil
}
`))
