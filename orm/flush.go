package orm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/CaliLuke/go-uow/ast"
)

// Flush writes pending changes to the open transaction: inserts for pending
// instances, updates for modified persistent instances and deletes for
// marked instances. Inserts run parents first and deletes children first;
// independent instances keep the order they entered the session.
//
// When any statement fails the in-memory effects of the flush are undone
// and the session refuses further work until Rollback.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) (err error) {
	if s.flushing {
		return nil
	}
	if err := s.usable(); err != nil {
		return err
	}
	s.flushing = true
	s.sp = newSavepoint(s)
	start := time.Now()
	var wrote bool
	defer func() {
		sp := s.sp
		s.sp = nil
		s.flushing = false
		if err != nil {
			sp.restore(s)
			s.failed = err
			s.opts.metrics.observeFlush(start, err)
			s.log.Warn().Err(err).Msg("flush failed; session requires rollback")
			err = fmt.Errorf("flush: %w", err)
			return
		}
		if wrote {
			s.opts.metrics.observeFlush(start, nil)
			s.log.Debug().Dur("elapsed", time.Since(start)).Msg("flush complete")
		}
	}()
	wrote, err = s.flushChanges(ctx)
	return err
}

func (s *Session) flushChanges(ctx context.Context) (bool, error) {
	if err := s.cascadeSaves(); err != nil {
		return false, err
	}
	links := s.collectLinks()
	if err := s.processOrphans(ctx, links); err != nil {
		return false, err
	}
	if err := s.cascadeDeletes(ctx); err != nil {
		return false, err
	}
	links = s.collectLinks()

	inserts, err := s.insertOrder(links)
	if err != nil {
		return false, err
	}
	deletes, err := s.deleteOrder()
	if err != nil {
		return false, err
	}

	wrote := false
	for _, e := range inserts {
		if err := s.syncForeignKeys(e, links); err != nil {
			return wrote, err
		}
		if err := s.insertRow(ctx, e); err != nil {
			return wrote, err
		}
		wrote = true
	}
	s.pending = nil

	for _, e := range s.persistent() {
		st := e.entityState()
		if st.markedDeleted {
			continue
		}
		if err := s.syncForeignKeys(e, links); err != nil {
			return wrote, err
		}
		changed := changedColumns(st.info, e, st.synced)
		if len(changed) == 0 && !st.forceUpdate {
			continue
		}
		if err := s.updateRow(ctx, e, changed); err != nil {
			return wrote, err
		}
		wrote = true
	}

	for _, e := range deletes {
		if err := s.deleteRow(ctx, e); err != nil {
			return wrote, err
		}
		wrote = true
	}
	s.deleted = nil

	s.settleRelations()
	return wrote, nil
}

// --- Cascades ---

// cascadeSaves adds instances that became reachable through relationships
// after their owner was added.
func (s *Session) cascadeSaves() error {
	owners := append(slices.Clone(s.pending), s.persistent()...)
	for _, e := range owners {
		st := e.entityState()
		if st.markedDeleted || st.session != s {
			continue
		}
		if err := s.cascadeAdd(e, st.info); err != nil {
			return err
		}
	}
	return nil
}

// parentLink records that a child is a member of owner's collection rel.
type parentLink struct {
	owner Entity
	rel   RelationInfo
}

// collectLinks maps each collection member to the owners holding it.
// Members appended to a collection that was never loaded count as well.
func (s *Session) collectLinks() map[Entity][]parentLink {
	links := make(map[Entity][]parentLink)
	owners := append(slices.Clone(s.pending), s.persistent()...)
	for _, owner := range owners {
		st := owner.entityState()
		if st.markedDeleted {
			continue
		}
		for _, rel := range st.info.Relations {
			if rel.Kind != OneToMany {
				continue
			}
			for _, m := range relField(owner, rel).members() {
				links[m] = append(links[m], parentLink{owner: owner, rel: rel})
			}
		}
	}
	return links
}

// processOrphans handles members removed from loaded collections since the
// last flush: delete-orphan deletes them, otherwise their key is cleared.
func (s *Session) processOrphans(ctx context.Context, links map[Entity][]parentLink) error {
	for _, owner := range s.persistent() {
		st := owner.entityState()
		if st.markedDeleted {
			continue
		}
		for _, rel := range st.info.Relations {
			if rel.Kind != OneToMany {
				continue
			}
			rf := relField(owner, rel)
			if !rf.loaded() {
				continue
			}
			baseline, ok := st.syncedColls[rel.Name]
			if !ok {
				s.remember(owner)
				var err error
				if baseline, err = s.loadRelation(ctx, owner, rel.Name); err != nil {
					return err
				}
			}
			current := rf.members()
			for _, m := range baseline {
				if slices.Contains(current, m) {
					continue
				}
				mst := m.entityState()
				if mst.session != s || mst.state != StatePersistent || mst.markedDeleted {
					continue
				}
				if claimedElsewhere(m, owner, rel, links) {
					continue
				}
				if rel.Cascade.Has(CascadeDeleteOrphan) {
					s.markDeleted(m)
					continue
				}
				if err := s.detachChild(m, owner, rel); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// claimedElsewhere reports whether m moved to another owner, either through
// that owner's collection or through its own reference.
func claimedElsewhere(m, owner Entity, rel RelationInfo, links map[Entity][]parentLink) bool {
	for _, l := range links[m] {
		if l.owner != owner && l.rel.FKColumn == rel.FKColumn {
			return true
		}
	}
	for _, r := range m.entityState().info.Relations {
		if r.Kind != ManyToOne || r.FKColumn != rel.FKColumn {
			continue
		}
		if ms := relField(m, r).members(); len(ms) == 1 && ms[0] != owner {
			return true
		}
	}
	return false
}

// detachChild clears a child's foreign key to owner and its back-reference.
func (s *Session) detachChild(child, owner Entity, rel RelationInfo) error {
	cst := child.entityState()
	f, _ := cst.info.Field(rel.FKColumn)
	ownerKey := owner.entityState().info.pkValues(owner)[0]
	if !valuesEqual(columnValue(structValue(child), f), ownerKey) {
		return nil
	}
	if err := s.setColumn(child, rel.FKColumn, nil); err != nil {
		return err
	}
	for _, r := range cst.info.Relations {
		if r.Kind != ManyToOne || r.FKColumn != rel.FKColumn {
			continue
		}
		rf := relField(child, r)
		if ms := rf.members(); len(ms) == 1 && ms[0] == owner {
			s.remember(child)
			rf.setMembers(nil)
		}
	}
	return nil
}

// cascadeDeletes extends the deletion set along delete cascades, loading
// collections that were never read.
func (s *Session) cascadeDeletes(ctx context.Context) error {
	// markDeleted appends to s.deleted, so the loop also visits cascaded instances.
	for i := 0; i < len(s.deleted); i++ {
		e := s.deleted[i]
		st := e.entityState()
		for _, rel := range st.info.Relations {
			cascades := rel.Cascade.Has(CascadeDelete)
			if rel.Kind == ManyToOne && !cascades {
				continue
			}
			rf := relField(e, rel)
			if !rf.loaded() {
				s.remember(e)
				got, err := s.loadRelation(ctx, e, rel.Name)
				if err != nil {
					return err
				}
				rf.setMembers(got)
			}
			for _, m := range rf.members() {
				mst := m.entityState()
				if mst.session != s {
					continue
				}
				switch {
				case cascades && mst.state == StatePending:
					s.expunge(m)
				case cascades && mst.state == StatePersistent:
					s.markDeleted(m)
				case mst.state == StatePersistent && !mst.markedDeleted:
					if err := s.detachChild(m, e, rel); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// --- Ordering ---

// insertOrder sorts pending instances so that referenced rows precede the
// rows referencing them.
func (s *Session) insertOrder(links map[Entity][]parentLink) ([]Entity, error) {
	nodes := s.pending
	inSet := make(map[Entity]bool, len(nodes))
	byKey := make(map[identityKey]Entity)
	for _, e := range nodes {
		inSet[e] = true
		info := e.entityState().info
		if info.hasIdentity(e) {
			byKey[makeIdentityKey(info, info.pkValues(e))] = e
		}
	}

	edges := make(map[Entity][]Entity)
	for _, child := range nodes {
		for _, parent := range s.parentsOf(child, links, byKey, false) {
			if inSet[parent] && parent != child {
				edges[parent] = append(edges[parent], child)
			}
		}
	}
	return topoSort(nodes, edges)
}

// deleteOrder sorts marked instances so that referencing rows are deleted
// before the rows they reference.
func (s *Session) deleteOrder() ([]Entity, error) {
	nodes := slices.Clone(s.deleted)
	slices.SortStableFunc(nodes, func(a, b Entity) int {
		return compareSeq(a.entityState().seq, b.entityState().seq)
	})
	inSet := make(map[Entity]bool, len(nodes))
	byKey := make(map[identityKey]Entity)
	for _, e := range nodes {
		inSet[e] = true
		byKey[e.entityState().key] = e
	}

	edges := make(map[Entity][]Entity)
	add := func(child, parent Entity) {
		if inSet[parent] && parent != child {
			edges[child] = append(edges[child], parent)
		}
	}
	for _, e := range nodes {
		for _, parent := range s.parentsOf(e, nil, byKey, true) {
			add(e, parent)
		}
		for _, rel := range e.entityState().info.Relations {
			if rel.Kind != OneToMany {
				continue
			}
			for _, m := range relField(e, rel).members() {
				add(m, e)
			}
		}
	}
	return topoSort(nodes, edges)
}

// parentsOf returns the instances e references: loaded reference targets,
// owners of collections holding e and rows matched by e's foreign-key
// values. With synced set the stored foreign-key values are used.
func (s *Session) parentsOf(e Entity, links map[Entity][]parentLink, byKey map[identityKey]Entity, synced bool) []Entity {
	st := e.entityState()
	info := st.info
	var parents []Entity
	for _, rel := range info.Relations {
		if rel.Kind == ManyToOne {
			parents = append(parents, relField(e, rel).members()...)
		}
	}
	for _, l := range links[e] {
		parents = append(parents, l.owner)
	}
	v := structValue(e)
	for _, fk := range info.ForeignKeys() {
		ref, ok := Lookup(fk.RefTable)
		if !ok || len(ref.PKFields) != 1 || ref.PKFields[0].Column != fk.RefColumn {
			continue
		}
		var val any
		if synced {
			val = st.synced[fk.Column]
		} else {
			f, _ := info.Field(fk.Column)
			val = columnValue(v, f)
		}
		if val == nil {
			continue
		}
		if p, ok := byKey[makeIdentityKey(ref, []any{val})]; ok {
			parents = append(parents, p)
		}
	}
	return parents
}

// topoSort orders nodes along edges (from → to) with Kahn's algorithm,
// releasing ready nodes lowest seq first.
func topoSort(nodes []Entity, edges map[Entity][]Entity) ([]Entity, error) {
	indegree := make(map[Entity]int, len(nodes))
	for _, n := range nodes {
		indegree[n] += 0
	}
	for from, tos := range edges {
		if _, ok := indegree[from]; !ok {
			continue
		}
		seen := make(map[Entity]bool, len(tos))
		deduped := tos[:0]
		for _, to := range tos {
			if seen[to] {
				continue
			}
			seen[to] = true
			deduped = append(deduped, to)
			indegree[to]++
		}
		edges[from] = deduped
	}

	bySeq := func(a, b Entity) int {
		return compareSeq(a.entityState().seq, b.entityState().seq)
	}
	var ready []Entity
	for _, n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	slices.SortFunc(ready, bySeq)

	out := make([]Entity, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, to := range edges[n] {
			indegree[to]--
			if indegree[to] == 0 {
				i, _ := slices.BinarySearchFunc(ready, to, bySeq)
				ready = slices.Insert(ready, i, to)
			}
		}
	}
	if len(out) != len(nodes) {
		var tables []string
		for _, n := range nodes {
			if indegree[n] > 0 {
				if t := n.entityState().info.Table; !slices.Contains(tables, t) {
					tables = append(tables, t)
				}
			}
		}
		return nil, &DependencyCycleError{Tables: tables}
	}
	return out, nil
}

// --- Foreign-key synchronisation ---

// syncForeignKeys copies parent keys into e's foreign-key columns from
// owning collections and loaded references, and back-populates references
// from collections.
func (s *Session) syncForeignKeys(e Entity, links map[Entity][]parentLink) error {
	info := e.entityState().info
	for _, l := range links[e] {
		oinfo := l.owner.entityState().info
		if !oinfo.hasIdentity(l.owner) {
			return fmt.Errorf("%s.%s: owner has no primary key yet", oinfo.Table, l.rel.Name)
		}
		if err := s.setColumn(e, l.rel.FKColumn, oinfo.pkValues(l.owner)[0]); err != nil {
			return err
		}
		for _, r := range info.Relations {
			if r.Kind != ManyToOne || r.FKColumn != l.rel.FKColumn || r.TargetType != oinfo.GoType {
				continue
			}
			rf := relField(e, r)
			if ms := rf.members(); !rf.loaded() || len(ms) != 1 || ms[0] != l.owner {
				s.remember(e)
				rf.setMembers([]Entity{l.owner})
			}
		}
	}
	for _, rel := range info.Relations {
		if rel.Kind != ManyToOne {
			continue
		}
		rf := relField(e, rel)
		if rf.cleared() {
			if err := s.setColumn(e, rel.FKColumn, nil); err != nil {
				return err
			}
			continue
		}
		ms := rf.members()
		if len(ms) != 1 {
			continue
		}
		tinfo := ms[0].entityState().info
		if tinfo == nil || !tinfo.hasIdentity(ms[0]) {
			return fmt.Errorf("%s.%s: referenced instance has no primary key; add it to the session", info.Table, rel.Name)
		}
		if err := s.setColumn(e, rel.FKColumn, tinfo.pkValues(ms[0])[0]); err != nil {
			return err
		}
	}
	return nil
}

// setColumn assigns one column when its value differs.
func (s *Session) setColumn(e Entity, column string, val any) error {
	info := e.entityState().info
	f, ok := info.Field(column)
	if !ok {
		return fmt.Errorf("%s has no column %q", info.Table, column)
	}
	v := structValue(e)
	if valuesEqual(columnValue(v, f), val) {
		return nil
	}
	s.remember(e)
	if err := setFieldValue(v.Field(f.FieldIndex), f, val); err != nil {
		return &HydrationError{TypeName: info.GoType.Name(), Field: f.FieldName, Cause: err}
	}
	return nil
}

// --- Statements ---

func (s *Session) insertRow(ctx context.Context, e Entity) error {
	s.remember(e)
	st := e.entityState()
	info := st.info
	v := structValue(e)
	if info.Version != nil && v.Field(info.Version.FieldIndex).IsZero() {
		if err := setFieldValue(v.Field(info.Version.FieldIndex), *info.Version, int64(1)); err != nil {
			return err
		}
	}

	stmt := ast.Insert{Table: info.Table}
	for _, f := range info.Fields {
		val := columnValue(v, f)
		if (f.Tag.AutoIncrement && v.Field(f.FieldIndex).IsZero()) || (val == nil && f.Tag.Default != "") {
			stmt.Returning = append(stmt.Returning, f.Column)
			continue
		}
		stmt.Columns = append(stmt.Columns, f.Column)
		stmt.Values = append(stmt.Values, normalizeValue(val))
	}
	res, err := s.execute(ctx, stmt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", info.Table, err)
	}
	if len(stmt.Returning) > 0 {
		if len(res.Rows) == 0 {
			return fmt.Errorf("insert %s: no generated values returned", info.Table)
		}
		if err := hydrate(info, e, res.Rows[0]); err != nil {
			return err
		}
	}

	st.state = StatePersistent
	st.insertedInTx = true
	s.inserted = append(s.inserted, e)
	if !s.register(info, e) {
		return fmt.Errorf("insert %s: %w", info.Table, ErrIdentityConflict)
	}
	st.synced = info.columnValues(e)
	return nil
}

func (s *Session) updateRow(ctx context.Context, e Entity, changed []string) error {
	s.remember(e)
	st := e.entityState()
	info := st.info
	v := structValue(e)
	for _, f := range info.PKFields {
		if !valuesEqual(columnValue(v, f), st.synced[f.Column]) {
			return fmt.Errorf("update %s: %w", info.Table, ErrIdentityChanged)
		}
	}
	if len(changed) == 0 {
		changed = info.Columns()
	}

	stmt := ast.Update{Table: info.Table}
	for _, col := range changed {
		f, _ := info.Field(col)
		if f.Tag.PrimaryKey || f.Tag.Version {
			continue
		}
		stmt.Set = append(stmt.Set, ast.Assignment{Column: col, Value: normalizeValue(columnValue(v, f))})
	}
	key := st.syncedKey()
	where := ast.KeyMatch(info.Table, info.PKColumns(), normalizeAll(key))
	var next int64
	if info.Version != nil {
		cur := st.synced[info.Version.Column]
		n, _ := coerceToInt64(cur)
		next = n + 1
		stmt.Set = append(stmt.Set, ast.Assignment{Column: info.Version.Column, Value: next})
		where = ast.AllOf(where, ast.Eq(ast.TableCol(info.Table, info.Version.Column), normalizeValue(cur)))
	}
	if len(stmt.Set) == 0 {
		return nil
	}
	stmt.Where = where

	res, err := s.execute(ctx, stmt)
	if err != nil {
		return fmt.Errorf("update %s: %w", info.Table, err)
	}
	if res.RowsAffected != 1 {
		return &StaleDataError{Table: info.Table, Key: key, Op: "update", Expected: 1, Matched: res.RowsAffected}
	}
	if info.Version != nil {
		if err := setFieldValue(v.Field(info.Version.FieldIndex), *info.Version, next); err != nil {
			return err
		}
	}
	st.synced = info.columnValues(e)
	st.forceUpdate = false
	return nil
}

func (s *Session) deleteRow(ctx context.Context, e Entity) error {
	s.remember(e)
	st := e.entityState()
	info := st.info
	key := st.syncedKey()
	where := ast.KeyMatch(info.Table, info.PKColumns(), normalizeAll(key))
	if info.Version != nil {
		where = ast.AllOf(where, ast.Eq(ast.TableCol(info.Table, info.Version.Column), normalizeValue(st.synced[info.Version.Column])))
	}
	res, err := s.execute(ctx, ast.Delete{Table: info.Table, Where: where})
	if err != nil {
		return fmt.Errorf("delete %s: %w", info.Table, err)
	}
	if res.RowsAffected != 1 {
		return &StaleDataError{Table: info.Table, Key: key, Op: "delete", Expected: 1, Matched: res.RowsAffected}
	}
	st.state = StateDeleted
	st.markedDeleted = false
	s.evict(e)
	s.flushedDeletes = append(s.flushedDeletes, e)
	return nil
}

// settleRelations records loaded relationship membership as the new baseline
// for orphan detection.
func (s *Session) settleRelations() {
	for _, e := range s.persistent() {
		st := e.entityState()
		var colls map[string][]Entity
		for _, rel := range st.info.Relations {
			rf := relField(e, rel)
			if !rf.loaded() {
				continue
			}
			if colls == nil {
				colls = maps.Clone(st.syncedColls)
				if colls == nil {
					colls = make(map[string][]Entity)
				}
			}
			colls[rel.Name] = rf.members()
		}
		if colls != nil {
			s.remember(e)
			st.syncedColls = colls
		}
	}
}

// --- Undo ---

// savepoint records in-memory state touched by a flush so a failed flush
// can be undone.
type savepoint struct {
	mementos map[Entity]*memento
	order    []Entity

	pending, deleted, inserted, flushedDeletes []Entity

	registered []Entity
	evicted    []Entity
	evictedKey []identityKey
}

type memento struct {
	info   *ModelInfo
	values map[string]any
	st     entityState
	rels   []relSnapshot
}

func newSavepoint(s *Session) *savepoint {
	return &savepoint{
		mementos:       make(map[Entity]*memento),
		pending:        slices.Clone(s.pending),
		deleted:        slices.Clone(s.deleted),
		inserted:       slices.Clone(s.inserted),
		flushedDeletes: slices.Clone(s.flushedDeletes),
	}
}

// remember snapshots e before the running flush first modifies it.
func (s *Session) remember(e Entity) {
	sp := s.sp
	if sp == nil {
		return
	}
	if _, ok := sp.mementos[e]; ok {
		return
	}
	info, err := infoOf(e)
	if err != nil {
		return
	}
	m := &memento{info: info, values: info.columnValues(e), st: *e.entityState()}
	for _, rel := range info.Relations {
		m.rels = append(m.rels, relField(e, rel).snapshot())
	}
	sp.mementos[e] = m
	sp.order = append(sp.order, e)
}

func (sp *savepoint) restore(s *Session) {
	for i := len(sp.registered) - 1; i >= 0; i-- {
		s.idmap.Evict(sp.registered[i])
	}
	for i, e := range sp.evicted {
		s.idmap.put(sp.evictedKey[i], e)
	}
	for _, e := range sp.order {
		m := sp.mementos[e]
		_ = m.info.restoreValues(e, m.values)
		*e.entityState() = m.st
		for i, rel := range m.info.Relations {
			relField(e, rel).restore(m.rels[i])
		}
	}
	s.pending = sp.pending
	s.deleted = sp.deleted
	s.inserted = sp.inserted
	s.flushedDeletes = sp.flushedDeletes
}
