package orm

import (
	"fmt"
	"strconv"
	"strings"
)

// TagName is the struct tag key read by the mapper.
const TagName = "orm"

// Cascade is a bit set of relationship cascade rules.
type Cascade uint8

// Cascade rules. CascadeAll is save-update plus delete.
const (
	CascadeSaveUpdate Cascade = 1 << iota
	CascadeDelete
	CascadeDeleteOrphan

	CascadeAll = CascadeSaveUpdate | CascadeDelete
)

// Has reports whether every rule in r is set.
func (c Cascade) Has(r Cascade) bool {
	return c&r == r
}

// String renders the cascade in tag syntax.
func (c Cascade) String() string {
	var parts []string
	switch {
	case c.Has(CascadeAll):
		parts = append(parts, "all")
	case c.Has(CascadeDelete):
		parts = append(parts, "delete")
	case c.Has(CascadeSaveUpdate):
		parts = append(parts, "save-update")
	}
	if c.Has(CascadeDeleteOrphan) {
		parts = append(parts, "delete-orphan")
	}
	return strings.Join(parts, "|")
}

// FieldTag contains the structured representation of a parsed `orm` struct tag.
type FieldTag struct {
	// Name is the column name.
	Name          string
	PrimaryKey    bool
	AutoIncrement bool
	NotNull       bool
	Unique        bool
	// Version marks an integer column used for optimistic concurrency checks.
	Version bool
	// ForeignKey is the referenced "table.column", if any.
	ForeignKey string
	// Size bounds text columns.
	Size int
	// Default is the raw DDL default literal.
	Default string
	// Ref names the local foreign-key column backing a Ref[T] field.
	Ref string
	// ChildFK names the foreign-key column on the target table of a Collection[T] field.
	ChildFK string
	Cascade Cascade
	// OrderBy orders a collection; a leading '-' sorts descending.
	OrderBy string
	// Table overrides the table name when placed on the embedded BaseEntity.
	Table string
	// Skip indicates the field should be ignored by the ORM.
	Skip bool
}

// ParseTag parses the content of an `orm` struct tag into a FieldTag structure.
// It supports column options (pk, autoincrement, notnull, unique, version,
// fk=table.column, size=N, default=literal), relationship options (ref=column,
// fk=column, cascade=all|delete-orphan, order=column) and table:name overrides.
func ParseTag(tag string) (FieldTag, error) {
	if tag == "" || tag == "-" {
		return FieldTag{Skip: tag == "-"}, nil
	}

	parts := strings.Split(tag, ",")
	ft := FieldTag{}

	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if i == 0 && !strings.ContainsAny(part, "=:") && !isTagKeyword(part) {
			ft.Name = part
			continue
		}

		key, val, hasVal := strings.Cut(part, "=")
		switch {
		case part == "pk":
			ft.PrimaryKey = true
		case part == "autoincrement":
			ft.AutoIncrement = true
		case part == "notnull":
			ft.NotNull = true
		case part == "unique":
			ft.Unique = true
		case part == "version":
			ft.Version = true
		case part == "-":
			ft.Skip = true
		case strings.HasPrefix(part, "table:"):
			ft.Table = strings.TrimPrefix(part, "table:")
		case hasVal && key == "fk":
			if strings.Contains(val, ".") {
				ft.ForeignKey = val
			} else {
				ft.ChildFK = val
			}
		case hasVal && key == "ref":
			ft.Ref = val
		case hasVal && key == "size":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return FieldTag{}, fmt.Errorf("invalid size %q", val)
			}
			ft.Size = n
		case hasVal && key == "default":
			ft.Default = val
		case hasVal && key == "order":
			ft.OrderBy = val
		case hasVal && key == "cascade":
			c, err := parseCascade(val)
			if err != nil {
				return FieldTag{}, err
			}
			ft.Cascade = c
		default:
			return FieldTag{}, fmt.Errorf("unknown tag option %q", part)
		}
	}

	if ft.AutoIncrement && !ft.PrimaryKey {
		return FieldTag{}, fmt.Errorf("autoincrement requires pk")
	}
	if ft.Ref != "" && ft.ChildFK != "" {
		return FieldTag{}, fmt.Errorf("ref and fk cannot be combined")
	}
	return ft, nil
}

func isTagKeyword(s string) bool {
	switch s {
	case "pk", "autoincrement", "notnull", "unique", "version", "-":
		return true
	}
	return false
}

func parseCascade(s string) (Cascade, error) {
	var c Cascade
	for _, rule := range strings.Split(s, "|") {
		switch strings.TrimSpace(rule) {
		case "all":
			c |= CascadeAll
		case "save-update":
			c |= CascadeSaveUpdate
		case "delete":
			c |= CascadeDelete
		case "delete-orphan":
			c |= CascadeDeleteOrphan
		default:
			return 0, fmt.Errorf("invalid cascade rule %q", rule)
		}
	}
	return c, nil
}
