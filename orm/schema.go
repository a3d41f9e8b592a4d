package orm

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/CaliLuke/go-uow/ast"
)

// CreateTables returns CREATE TABLE statements for the models, ordered so
// that referenced tables come before the tables referencing them.
func CreateTables(infos []*ModelInfo) ([]ast.CreateTable, error) {
	ordered, err := tableOrder(infos)
	if err != nil {
		return nil, err
	}
	stmts := make([]ast.CreateTable, 0, len(ordered))
	for _, info := range ordered {
		stmts = append(stmts, createTable(info))
	}
	return stmts, nil
}

func createTable(info *ModelInfo) ast.CreateTable {
	ct := ast.CreateTable{Name: info.Table, PrimaryKey: info.PKColumns(), IfNotExists: true}
	for _, f := range info.Fields {
		ct.Columns = append(ct.Columns, ast.ColumnDef{
			Name:          f.Column,
			Type:          f.SQLType,
			Size:          f.Tag.Size,
			NotNull:       !f.Nullable() && !f.Tag.PrimaryKey,
			PrimaryKey:    f.Tag.PrimaryKey,
			AutoIncrement: f.Tag.AutoIncrement,
			Unique:        f.Tag.Unique,
			Default:       parseDefault(f.Tag.Default),
		})
	}
	for _, fk := range info.ForeignKeys() {
		ct.ForeignKeys = append(ct.ForeignKeys, ast.ForeignKey{
			Columns:    []string{fk.Column},
			RefTable:   fk.RefTable,
			RefColumns: []string{fk.RefColumn},
		})
	}
	return ct
}

// parseDefault interprets a default tag value: numbers, booleans and quoted
// strings become literals, bare upper-case words stay SQL keywords.
func parseDefault(raw string) any {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "", strings.EqualFold(raw, "null"):
		return nil
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'")
	case strings.EqualFold(raw, "true"):
		return true
	case strings.EqualFold(raw, "false"):
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if raw == strings.ToUpper(raw) && !strings.ContainsAny(raw, " '") {
		return ast.Keyword(raw)
	}
	return raw
}

// tableOrder sorts models so that foreign-key targets precede their
// referrers, keeping the given order among independent tables.
func tableOrder(infos []*ModelInfo) ([]*ModelInfo, error) {
	byTable := make(map[string]*ModelInfo, len(infos))
	for _, info := range infos {
		byTable[info.Table] = info
	}
	var out []*ModelInfo
	state := make(map[string]int) // 1 visiting, 2 done
	var visit func(info *ModelInfo, path []string) error
	visit = func(info *ModelInfo, path []string) error {
		switch state[info.Table] {
		case 2:
			return nil
		case 1:
			return &DependencyCycleError{Tables: append(path, info.Table)}
		}
		state[info.Table] = 1
		for _, fk := range info.ForeignKeys() {
			ref, ok := byTable[fk.RefTable]
			if !ok || ref == info {
				continue
			}
			if err := visit(ref, append(path, info.Table)); err != nil {
				return err
			}
		}
		state[info.Table] = 2
		out = append(out, info)
		return nil
	}
	for _, info := range infos {
		if err := visit(info, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateAll creates the tables of every registered model that do not exist yet.
func (db *Database) CreateAll(ctx context.Context) error {
	stmts, err := CreateTables(RegisteredModels())
	if err != nil {
		return err
	}
	return db.Run(ctx, func(s *Session) error {
		for _, stmt := range stmts {
			if _, err := s.execute(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", stmt.Name, err)
			}
		}
		s.log.Info().Int("tables", len(stmts)).Msg("schema created")
		return nil
	})
}

// DropAll drops the tables of every registered model, referrers first.
func (db *Database) DropAll(ctx context.Context) error {
	stmts, err := CreateTables(RegisteredModels())
	if err != nil {
		return err
	}
	slices.Reverse(stmts)
	return db.Run(ctx, func(s *Session) error {
		for _, stmt := range stmts {
			if _, err := s.execute(ctx, ast.DropTable{Name: stmt.Name, IfExists: true}); err != nil {
				return fmt.Errorf("drop table %s: %w", stmt.Name, err)
			}
		}
		return nil
	})
}
