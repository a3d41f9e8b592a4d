package orm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/CaliLuke/go-uow/ast"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Database is a handle to a backing store. It opens sessions and carries the
// options they inherit.
type Database struct {
	connector Connector
	opts      options
}

// Open creates a Database over the given connector.
func Open(connector Connector, opts ...Option) *Database {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Database{connector: connector, opts: o}
}

// Dialect reports the SQL dialect of the connector, used for statement logging.
func (db *Database) Dialect() ast.Dialect {
	if d, ok := db.connector.(interface{ Dialect() ast.Dialect }); ok {
		return d.Dialect()
	}
	return ast.SQLite
}

// Session opens a unit of work. The connection is acquired now and released
// by Close, which the caller must always call.
func (db *Database) Session(ctx context.Context, opts ...Option) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open session: context cancelled: %w", err)
	}
	conn, err := db.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: connect: %w", err)
	}
	o := db.opts
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New()
	s := &Session{
		id:       id,
		db:       db,
		conn:     conn,
		opts:     o,
		log:      o.logger.With().Str("session", id.String()).Logger(),
		compiler: ast.Compiler{Dialect: db.Dialect()},
		idmap:    NewIdentityMap(),
	}
	s.guard = &leakGuard{log: s.log}
	o.metrics.sessionOpened()
	s.log.Debug().Msg("session opened")
	runtime.AddCleanup(s, func(g *leakGuard) {
		if !g.closed.Load() {
			g.log.Warn().Msg("session was garbage-collected without being closed (possible connection leak)")
		}
	}, s.guard)
	return s, nil
}

// leakGuard holds what the leak warning needs without pointing back at the
// Session, which tracked instances keep reachable through a cycle.
type leakGuard struct {
	closed atomic.Bool
	log    zerolog.Logger
}

// Run opens a session, calls fn, commits when fn succeeds and rolls back
// otherwise. The session is always closed.
func (db *Database) Run(ctx context.Context, fn func(s *Session) error) (err error) {
	s, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := fn(s); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// Session is a unit of work: it tracks instances, batches their changes and
// applies them to the backing store in one transaction. A Session is owned
// by a single goroutine.
type Session struct {
	id       uuid.UUID
	db       *Database
	conn     Conn
	tx       Tx
	opts     options
	log      zerolog.Logger
	compiler ast.Compiler
	idmap    *IdentityMap

	// pending holds new instances in Add order.
	pending []Entity
	// deleted holds persistent instances marked by Delete in mark order.
	deleted []Entity
	// inserted and flushedDeletes record rows written by the open transaction.
	inserted       []Entity
	flushedDeletes []Entity

	seq      uint64
	failed   error
	closed   bool
	flushing bool
	sp       *savepoint
	guard    *leakGuard
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id.String() }

// IdentityMap exposes the session's identity map.
func (s *Session) IdentityMap() *IdentityMap { return s.idmap }

// usable reports why the session cannot accept an operation.
func (s *Session) usable() error {
	if s.closed {
		return &SessionClosedError{SessionID: s.ID()}
	}
	if s.failed != nil {
		return &PendingRollbackError{Cause: s.failed}
	}
	return nil
}

func (s *Session) track(e Entity, info *ModelInfo) {
	st := e.entityState()
	st.session = s
	st.info = info
	s.seq++
	st.seq = s.seq
	for _, rel := range info.Relations {
		relField(e, rel).bind(e, rel.Name)
	}
}

func (s *Session) untrack(e Entity, to State) {
	st := e.entityState()
	st.session = nil
	st.state = to
	st.markedDeleted = false
	st.insertedInTx = false
	st.forceUpdate = false
}

// --- Lifecycle operations ---

// Add registers an instance with the session. A transient instance becomes
// pending; a detached instance is re-attached as persistent. Related
// instances reachable through loaded relationships are added as well.
// Adding an instance marked for deletion cancels the deletion.
func (s *Session) Add(e Entity) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.add(e)
}

// AddAll adds every instance, stopping at the first error.
func (s *Session) AddAll(entities ...Entity) error {
	for _, e := range entities {
		if err := s.Add(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) add(e Entity) error {
	info, err := infoOf(e)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	st := e.entityState()
	if other := st.session; other != nil && other != s && !other.closed {
		return &AlreadyTrackedError{Table: info.Table, SessionID: other.ID()}
	}

	if st.session == s {
		switch st.state {
		case StatePersistent:
			if st.markedDeleted {
				s.remember(e)
				st.markedDeleted = false
				s.deleted = slices.DeleteFunc(s.deleted, func(x Entity) bool { return x == e })
			}
			return s.cascadeAdd(e, info)
		case StateDeleted:
			return fmt.Errorf("add %s: instance was deleted in this transaction", info.Table)
		default:
			return s.cascadeAdd(e, info)
		}
	}

	s.remember(e)
	switch st.state {
	case StateDetached, StatePersistent:
		if existing, ok := s.idmap.Lookup(info, info.pkValues(e)...); ok && existing != e {
			return fmt.Errorf("add %s: %w", info.Table, ErrIdentityConflict)
		}
		s.track(e, info)
		st.state = StatePersistent
		if st.synced == nil {
			st.synced = info.columnValues(e)
		}
		if st.committed == nil {
			st.committed = maps.Clone(st.synced)
		}
		s.register(info, e)
		s.log.Debug().Str("table", info.Table).Msg("detached instance re-attached")
	default:
		s.track(e, info)
		st.state = StatePending
		st.synced, st.committed = nil, nil
		st.syncedColls, st.committedColls = nil, nil
		s.pending = append(s.pending, e)
		// A new row has no stored relatives to load.
		for _, rel := range info.Relations {
			rf := relField(e, rel)
			if rf.loaded() {
				continue
			}
			if rel.Kind == OneToMany {
				rf.setMembers(nil)
			} else if fk, _ := info.Field(rel.FKColumn); columnValue(structValue(e), fk) == nil {
				rf.setMembers(nil)
			}
		}
	}
	return s.cascadeAdd(e, info)
}

// cascadeAdd adds instances reachable through loaded relationships.
func (s *Session) cascadeAdd(e Entity, info *ModelInfo) error {
	for _, rel := range info.Relations {
		if !rel.Cascade.Has(CascadeSaveUpdate) {
			continue
		}
		for _, m := range relField(e, rel).members() {
			mst := m.entityState()
			if mst.session == s && mst.state != StateTransient {
				continue
			}
			if err := s.add(m); err != nil {
				return fmt.Errorf("cascade %s.%s: %w", info.Table, rel.Name, err)
			}
		}
	}
	return nil
}

// Delete marks a persistent instance for deletion at the next flush. A
// pending instance is expunged back to transient instead.
func (s *Session) Delete(e Entity) error {
	if err := s.usable(); err != nil {
		return err
	}
	info, err := infoOf(e)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	st := e.entityState()
	if st.session != s {
		if st.session != nil && !st.session.closed {
			return &AlreadyTrackedError{Table: info.Table, SessionID: st.session.ID()}
		}
		return &NotPersistentError{Table: info.Table, State: st.state, Op: "delete"}
	}
	switch st.state {
	case StatePending:
		s.expunge(e)
	case StatePersistent:
		s.markDeleted(e)
	}
	return nil
}

func (s *Session) markDeleted(e Entity) {
	st := e.entityState()
	if st.markedDeleted {
		return
	}
	s.remember(e)
	st.markedDeleted = true
	s.deleted = append(s.deleted, e)
}

// Expunge removes an instance from the session without touching its row.
// Pending instances become transient and persistent ones detached.
func (s *Session) Expunge(e Entity) error {
	if err := s.usable(); err != nil {
		return err
	}
	if e.entityState().session != s {
		info, _ := infoOf(e)
		return &NotPersistentError{Table: info.Table, State: StateOf(e), Op: "expunge"}
	}
	s.expunge(e)
	return nil
}

func (s *Session) expunge(e Entity) {
	s.remember(e)
	st := e.entityState()
	switch st.state {
	case StatePending:
		s.pending = slices.DeleteFunc(s.pending, func(x Entity) bool { return x == e })
		s.untrack(e, StateTransient)
	default:
		s.deleted = slices.DeleteFunc(s.deleted, func(x Entity) bool { return x == e })
		s.evict(e)
		s.untrack(e, StateDetached)
	}
}

// MarkModified forces an UPDATE of every column at the next flush.
func (s *Session) MarkModified(e Entity) {
	if st := e.entityState(); st.session == s && st.state == StatePersistent {
		st.forceUpdate = true
	}
}

// Contains reports whether the session tracks e.
func (s *Session) Contains(e Entity) bool {
	st := e.entityState()
	return st.session == s && (st.state == StatePending || st.state == StatePersistent)
}

// New returns the pending instances in Add order.
func (s *Session) New() []Entity {
	return slices.Clone(s.pending)
}

// Deleted returns the instances marked for deletion.
func (s *Session) Deleted() []Entity {
	return slices.Clone(s.deleted)
}

// Dirty returns persistent instances whose columns differ from the last
// flushed or loaded values.
func (s *Session) Dirty() []Entity {
	var out []Entity
	for _, e := range s.persistent() {
		if s.IsDirty(e) {
			out = append(out, e)
		}
	}
	return out
}

// IsDirty reports whether a persistent instance has unflushed column changes.
func (s *Session) IsDirty(e Entity) bool {
	st := e.entityState()
	if st.session != s || st.state != StatePersistent {
		return false
	}
	return st.forceUpdate || len(changedColumns(st.info, e, st.synced)) > 0
}

// persistent returns tracked persistent instances in seq order.
func (s *Session) persistent() []Entity {
	out := s.idmap.Entities()
	out = slices.DeleteFunc(out, func(e Entity) bool { return e.entityState().state != StatePersistent })
	slices.SortFunc(out, func(a, b Entity) int {
		return compareSeq(a.entityState().seq, b.entityState().seq)
	})
	return out
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// --- Identity map journal ---

func (s *Session) register(info *ModelInfo, e Entity) bool {
	if _, ok := s.idmap.Register(info, e); !ok {
		return false
	}
	if s.sp != nil {
		s.sp.registered = append(s.sp.registered, e)
	}
	return true
}

func (s *Session) evict(e Entity) {
	if !s.idmap.Contains(e) {
		return
	}
	key := e.entityState().key
	s.idmap.Evict(e)
	if s.sp != nil {
		s.sp.evicted = append(s.sp.evicted, e)
		s.sp.evictedKey = append(s.sp.evictedKey, key)
	}
}

// --- Reads ---

// Get returns the instance of T with the given primary key. An instance
// already in the identity map is returned without a round trip.
func Get[T any](ctx context.Context, s *Session, pk ...any) (*T, error) {
	info, err := infoFor[T]()
	if err != nil {
		return nil, err
	}
	e, err := s.get(ctx, info, pk)
	if err != nil {
		return nil, err
	}
	return any(e).(*T), nil
}

func (s *Session) get(ctx context.Context, info *ModelInfo, pk []any) (Entity, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if len(pk) != len(info.PKFields) {
		return nil, fmt.Errorf("get %s: expected %d key value(s), got %d", info.Table, len(info.PKFields), len(pk))
	}
	if e, ok := s.lookup(info, pk); ok {
		s.opts.metrics.lookup(true)
		return e, nil
	}
	if err := s.autoflush(ctx); err != nil {
		return nil, err
	}
	if e, ok := s.lookup(info, pk); ok {
		s.opts.metrics.lookup(true)
		return e, nil
	}
	// Without autoflush a marked instance is still mapped.
	if _, ok := s.idmap.Lookup(info, pk...); ok {
		s.opts.metrics.lookup(false)
		return nil, &NotFoundError{Table: info.Table, Key: pk}
	}

	e, hit, err := s.idmap.GetOrRegister(info, pk, func() (Entity, error) {
		keys := make([]any, len(pk))
		for i, v := range pk {
			keys[i] = normalizeValue(v)
		}
		res, err := s.execute(ctx, ast.Select{
			From:  info.Table,
			Where: ast.KeyMatch(info.Table, info.PKColumns(), keys),
			Limit: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", info.Table, err)
		}
		if len(res.Rows) == 0 {
			return nil, nil
		}
		return s.materialize(info, res.Rows[0])
	})
	s.opts.metrics.lookup(hit)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Table: info.Table, Key: pk}
	}
	return e, nil
}

// lookup consults the identity map. Instances marked for deletion read as
// not found.
func (s *Session) lookup(info *ModelInfo, pk []any) (Entity, bool) {
	e, ok := s.idmap.Lookup(info, pk...)
	if !ok {
		return nil, false
	}
	if e.entityState().markedDeleted {
		return nil, false
	}
	return e, true
}

// materialize builds a persistent instance from a stored row.
func (s *Session) materialize(info *ModelInfo, row Row) (Entity, error) {
	ptr := reflect.New(info.GoType)
	e, ok := ptr.Interface().(Entity)
	if !ok {
		return nil, fmt.Errorf("%s does not embed orm.BaseEntity", info.GoType.Name())
	}
	if err := hydrate(info, e, row); err != nil {
		return nil, err
	}
	s.track(e, info)
	st := e.entityState()
	st.state = StatePersistent
	st.synced = info.columnValues(e)
	st.committed = maps.Clone(st.synced)
	return e, nil
}

// instances maps result rows onto identity-mapped instances.
func (s *Session) instances(info *ModelInfo, rows []Row) ([]Entity, error) {
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		e, err := s.instance(info, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Session) instance(info *ModelInfo, row Row) (Entity, error) {
	pk := make([]any, len(info.PKFields))
	for i, f := range info.PKFields {
		pk[i] = row[f.Column]
	}
	e, hit, err := s.idmap.GetOrRegister(info, pk, func() (Entity, error) {
		return s.materialize(info, row)
	})
	s.opts.metrics.lookup(hit)
	return e, err
}

// loadRelation reads the current members of a relationship from the store.
func (s *Session) loadRelation(ctx context.Context, owner Entity, name string) ([]Entity, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	ost := owner.entityState()
	info := ost.info
	rel, ok := info.Relation(name)
	if !ok {
		return nil, fmt.Errorf("%s has no relation %s", info.Table, name)
	}
	tinfo, err := targetInfo(info, rel)
	if err != nil {
		return nil, err
	}

	if rel.Kind == ManyToOne {
		fk, _ := info.Field(rel.FKColumn)
		val := columnValue(structValue(owner), fk)
		if val == nil {
			return nil, nil
		}
		target, err := s.get(ctx, tinfo, []any{val})
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Entity{target}, nil
	}

	if ost.state == StatePending || !info.hasIdentity(owner) {
		return nil, nil
	}
	if err := s.autoflush(ctx); err != nil {
		return nil, err
	}
	res, err := s.execute(ctx, ast.Select{
		From:    tinfo.Table,
		Where:   ast.Eq(ast.TableCol(tinfo.Table, rel.FKColumn), normalizeValue(info.pkValues(owner)[0])),
		OrderBy: orderTerms(tinfo.Table, rel.OrderBy),
	})
	if err != nil {
		return nil, fmt.Errorf("load %s.%s: %w", info.Table, rel.Name, err)
	}
	members, err := s.instances(tinfo, res.Rows)
	if err != nil {
		return nil, err
	}
	ost.syncedColls = withRelation(ost.syncedColls, rel.Name, members)
	if _, ok := ost.committedColls[rel.Name]; !ok && !ost.insertedInTx {
		ost.committedColls = withRelation(ost.committedColls, rel.Name, members)
	}
	return members, nil
}

func withRelation(m map[string][]Entity, name string, members []Entity) map[string][]Entity {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string][]Entity)
	}
	out[name] = slices.Clone(members)
	return out
}

func orderTerms(table, spec string) []ast.Order {
	if spec == "" {
		return nil
	}
	desc := spec[0] == '-'
	if desc {
		spec = spec[1:]
	}
	return []ast.Order{{Column: ast.TableCol(table, spec), Desc: desc}}
}

// Refresh re-reads a persistent instance's columns from the store,
// discarding unflushed changes, and expires its relationships.
func (s *Session) Refresh(ctx context.Context, e Entity) error {
	if err := s.usable(); err != nil {
		return err
	}
	st := e.entityState()
	if st.session != s || st.state != StatePersistent {
		info, _ := infoOf(e)
		return &NotPersistentError{Table: info.Table, State: st.state, Op: "refresh"}
	}
	return s.refresh(ctx, []Entity{e})
}

// refresh reloads the given persistent instances, one SELECT per table.
// Instances whose rows are gone are evicted and detached.
func (s *Session) refresh(ctx context.Context, entities []Entity) error {
	byTable := make(map[*ModelInfo][]Entity)
	var tables []*ModelInfo
	for _, e := range entities {
		info := e.entityState().info
		if _, ok := byTable[info]; !ok {
			tables = append(tables, info)
		}
		byTable[info] = append(byTable[info], e)
	}
	for _, info := range tables {
		group := byTable[info]
		terms := make([]ast.Expr, 0, len(group))
		for _, e := range group {
			terms = append(terms, ast.KeyMatch(info.Table, info.PKColumns(), normalizeAll(e.entityState().syncedKey())))
		}
		res, err := s.execute(ctx, ast.Select{From: info.Table, Where: ast.Or{Exprs: terms}})
		if err != nil {
			return fmt.Errorf("refresh %s: %w", info.Table, err)
		}
		rows := make(map[identityKey]Row, len(res.Rows))
		for _, row := range res.Rows {
			pk := make([]any, len(info.PKFields))
			for i, f := range info.PKFields {
				pk[i] = row[f.Column]
			}
			rows[makeIdentityKey(info, pk)] = row
		}
		for _, e := range group {
			st := e.entityState()
			row, ok := rows[st.key]
			if !ok {
				s.evict(e)
				s.untrack(e, StateDetached)
				continue
			}
			if err := hydrate(info, e, row); err != nil {
				return err
			}
			st.synced = info.columnValues(e)
			st.committed = maps.Clone(st.synced)
			st.forceUpdate = false
			st.syncedColls, st.committedColls = nil, nil
			for _, rel := range info.Relations {
				relField(e, rel).unload()
			}
		}
	}
	return nil
}

// syncedKey returns the primary key as of the last flush or load.
func (st *entityState) syncedKey() []any {
	pk := make([]any, len(st.info.PKFields))
	for i, f := range st.info.PKFields {
		pk[i] = st.synced[f.Column]
	}
	return pk
}

func normalizeAll(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = normalizeValue(v)
	}
	return out
}

// --- Statement execution ---

// Execute runs a statement in the session's transaction after an autoflush.
// It is the escape hatch for textual SQL via ast.Raw.
func (s *Session) Execute(ctx context.Context, stmt ast.Statement) (*Result, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := s.autoflush(ctx); err != nil {
		return nil, err
	}
	return s.execute(ctx, stmt)
}

func (s *Session) begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	s.log.Debug().Msg("transaction begun")
	return nil
}

func (s *Session) execute(ctx context.Context, stmt ast.Statement) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute: context cancelled: %w", err)
	}
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	kind := statementKind(stmt)
	if s.opts.echo {
		if sql, args, err := s.compiler.Compile(stmt); err == nil {
			s.log.Info().Str("sql", ast.Inline(sql, args)).Msg(kind)
		}
	}
	s.opts.metrics.statement(kind)
	start := time.Now()
	res, err := s.tx.Execute(ctx, stmt)
	if err != nil {
		s.log.Debug().Err(err).Str("statement", kind).Msg("statement failed")
		return nil, err
	}
	s.log.Trace().Str("statement", kind).Dur("elapsed", time.Since(start)).Int("rows", len(res.Rows)).Msg("statement executed")
	return res, nil
}

func statementKind(stmt ast.Statement) string {
	switch stmt.(type) {
	case ast.Insert:
		return "insert"
	case ast.Update:
		return "update"
	case ast.Delete:
		return "delete"
	case ast.Select:
		return "select"
	case ast.CreateTable:
		return "create_table"
	case ast.DropTable:
		return "drop_table"
	default:
		return "raw"
	}
}

func (s *Session) autoflush(ctx context.Context) error {
	if !s.opts.autoflush || s.flushing {
		return nil
	}
	return s.flush(ctx)
}

// --- Transaction boundaries ---

// Commit flushes pending changes and commits the transaction. Instances
// deleted by the transaction become detached. When expire-on-commit is
// enabled every persistent instance is re-read so server-generated values
// are visible.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	if s.tx != nil {
		err := s.tx.Commit()
		s.tx = nil
		if err != nil {
			s.failed = err
			s.log.Error().Err(err).Msg("commit failed; session requires rollback")
			return fmt.Errorf("commit: %w", err)
		}
	}

	for _, e := range s.flushedDeletes {
		s.untrack(e, StateDetached)
	}
	s.flushedDeletes = nil
	s.inserted = nil
	live := s.persistent()
	for _, e := range live {
		st := e.entityState()
		st.insertedInTx = false
		st.committed = maps.Clone(st.synced)
		st.committedColls = maps.Clone(st.syncedColls)
	}
	s.opts.metrics.commit()
	s.log.Debug().Int("persistent", len(live)).Msg("transaction committed")

	if !s.opts.expireOnCommit || len(live) == 0 {
		return nil
	}
	if err := s.refresh(ctx, live); err != nil {
		return fmt.Errorf("refresh after commit: %w", errors.Join(err, s.rollbackTx()))
	}
	if s.tx != nil {
		err := s.tx.Commit()
		s.tx = nil
		if err != nil {
			return fmt.Errorf("refresh after commit: %w", err)
		}
	}
	return nil
}

func (s *Session) rollbackTx() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// Rollback discards the transaction and every unflushed change. Pending
// instances and instances inserted by the transaction return to transient;
// persistent instances get their last committed column values and
// relationship membership back. Rollback also clears the failed state left
// by an aborted flush.
func (s *Session) Rollback(ctx context.Context) error {
	if s.closed {
		return &SessionClosedError{SessionID: s.ID()}
	}
	txErr := s.rollbackTx()

	for _, e := range s.pending {
		s.untrack(e, StateTransient)
	}
	for _, e := range s.inserted {
		s.idmap.Evict(e)
		resetGeneratedKey(e)
		s.untrack(e, StateTransient)
	}
	for _, e := range s.flushedDeletes {
		st := e.entityState()
		if st.session != s {
			continue
		}
		st.state = StatePersistent
		s.idmap.Register(st.info, e)
	}
	for _, e := range s.deleted {
		e.entityState().markedDeleted = false
	}
	var restoreErrs []error
	for _, e := range s.persistent() {
		st := e.entityState()
		if err := st.info.restoreValues(e, st.committed); err != nil {
			restoreErrs = append(restoreErrs, fmt.Errorf("restore %s: %w", st.info.Table, err))
		}
		st.synced = maps.Clone(st.committed)
		st.syncedColls = maps.Clone(st.committedColls)
		st.forceUpdate = false
		for _, rel := range st.info.Relations {
			rf := relField(e, rel)
			rf.unload()
			if members, ok := st.committedColls[rel.Name]; ok {
				rf.setMembers(members)
			}
		}
	}

	s.pending, s.deleted, s.inserted, s.flushedDeletes = nil, nil, nil, nil
	s.failed = nil
	s.opts.metrics.rollback()
	s.log.Debug().Msg("transaction rolled back")
	if err := errors.Join(txErr, errors.Join(restoreErrs...)); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// resetGeneratedKey zeroes an auto-increment key assigned by a rolled back insert.
func resetGeneratedKey(e Entity) {
	info := e.entityState().info
	if f, ok := info.AutoIncrement(); ok {
		fv := structValue(e).Field(f.FieldIndex)
		fv.Set(reflect.Zero(fv.Type()))
	}
}

// Close ends the unit of work. An open transaction is rolled back, the
// connection is released, pending instances become transient and every
// other tracked instance becomes detached, keeping its current values.
// Close is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	txErr := s.rollbackTx()

	for _, e := range s.pending {
		s.untrack(e, StateTransient)
	}
	for _, e := range s.inserted {
		resetGeneratedKey(e)
		s.untrack(e, StateTransient)
	}
	for _, e := range s.flushedDeletes {
		if e.entityState().session == s {
			s.untrack(e, StateDetached)
		}
	}
	for _, e := range s.idmap.Entities() {
		if e.entityState().session == s {
			s.untrack(e, StateDetached)
		}
	}
	s.idmap.Clear()
	s.pending, s.deleted, s.inserted, s.flushedDeletes = nil, nil, nil, nil
	s.closed = true
	s.guard.closed.Store(true)
	connErr := s.conn.Close()
	s.opts.metrics.sessionClosed()
	s.log.Debug().Msg("session closed")
	if err := errors.Join(txErr, connErr); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// --- Value comparison ---

// changedColumns lists columns whose current value differs from snap.
func changedColumns(info *ModelInfo, e Entity, snap map[string]any) []string {
	v := structValue(e)
	var changed []string
	for _, f := range info.Fields {
		if !valuesEqual(columnValue(v, f), snap[f.Column]) {
			changed = append(changed, f.Column)
		}
	}
	return changed
}

func valuesEqual(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
