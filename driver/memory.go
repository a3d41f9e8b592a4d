package driver

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CaliLuke/go-uow/ast"
	"github.com/CaliLuke/go-uow/orm"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultBusyTimeout bounds how long a write transaction waits for the
// writer lock of a MemoryStore.
const DefaultBusyTimeout = 5 * time.Second

// MemoryStore is an in-process backing store. Transactions read the latest
// committed state plus their own writes; a single transaction at a time may
// write, and its changes become visible to others on commit.
type MemoryStore struct {
	mu     sync.RWMutex
	db     *memDB
	closed bool

	writer      chan struct{}
	busyTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithBusyTimeout sets how long a transaction waits to become the writer.
func WithBusyTimeout(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.busyTimeout = d }
}

// WithClock sets the time source used for CURRENT_TIMESTAMP defaults.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithMemoryLogger sets the store's logger.
func WithMemoryLogger(log zerolog.Logger) MemoryOption {
	return func(m *MemoryStore) { m.log = log }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		db:          &memDB{tables: make(map[string]*memTable)},
		writer:      make(chan struct{}, 1),
		busyTimeout: DefaultBusyTimeout,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dialect reports the dialect used when statements are logged.
func (m *MemoryStore) Dialect() ast.Dialect { return ast.SQLite }

// Connect opens a connection. Connections are cheap; each session gets one.
func (m *MemoryStore) Connect(ctx context.Context) (orm.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrNotConnected
	}
	return &memConn{store: m}, nil
}

// Close marks the store closed. Open transactions may still finish.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Tables lists the committed tables in name order.
func (m *MemoryStore) Tables() []string {
	db := m.current()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RowCount returns the number of committed rows in a table, or -1 if the
// table does not exist.
func (m *MemoryStore) RowCount(table string) int {
	t, ok := m.current().tables[table]
	if !ok {
		return -1
	}
	return len(t.rows)
}

func (m *MemoryStore) current() *memDB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

func (m *MemoryStore) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.busyTimeout)
	defer timer.Stop()
	select {
	case m.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBusy
	}
}

func (m *MemoryStore) release() {
	<-m.writer
}

// --- Storage ---

type memDB struct {
	tables map[string]*memTable
}

func (d *memDB) clone() *memDB {
	out := &memDB{tables: make(map[string]*memTable, len(d.tables))}
	for name, t := range d.tables {
		out.tables[name] = t.clone()
	}
	return out
}

func (d *memDB) table(name string) (*memTable, error) {
	t, ok := d.tables[name]
	if !ok {
		return nil, driverErrorf("no such table: %s", name)
	}
	return t, nil
}

// memRow is one stored row. Rows are encoded so that callers never share
// mutable values with the store.
type memRow struct {
	id   int64
	data []byte
}

type memTable struct {
	def    ast.CreateTable
	cols   map[string]ast.ColumnDef
	rows   []memRow
	serial int64
	nextID int64
}

func newMemTable(def ast.CreateTable) (*memTable, error) {
	t := &memTable{def: def, cols: make(map[string]ast.ColumnDef, len(def.Columns))}
	for _, c := range def.Columns {
		if _, dup := t.cols[c.Name]; dup {
			return nil, driverErrorf("table %s: duplicate column %s", def.Name, c.Name)
		}
		t.cols[c.Name] = c
	}
	for _, pk := range def.PrimaryKey {
		if _, ok := t.cols[pk]; !ok {
			return nil, driverErrorf("table %s: unknown primary key column %s", def.Name, pk)
		}
	}
	return t, nil
}

func (t *memTable) clone() *memTable {
	cp := *t
	cp.rows = slices.Clone(t.rows)
	return &cp
}

func (t *memTable) hasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

func (t *memTable) decodeAll() ([]map[string]any, error) {
	out := make([]map[string]any, len(t.rows))
	for i, r := range t.rows {
		row, err := decodeRow(r.data)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.def.Name, err)
		}
		out[i] = row
	}
	return out, nil
}

func encodeRow(row map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(row); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRow(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	for k, v := range row {
		row[k] = canonical(v)
	}
	return row, nil
}

// --- Connections and transactions ---

type memConn struct {
	store  *MemoryStore
	closed bool
}

func (c *memConn) Begin(ctx context.Context) (orm.Tx, error) {
	if c.closed {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{store: c.store}, nil
}

func (c *memConn) Close() error {
	c.closed = true
	return nil
}

type memTx struct {
	store *MemoryStore
	// work is the transaction's private copy, taken when it first writes.
	work *memDB
	done bool
}

func (tx *memTx) view() *memDB {
	if tx.work != nil {
		return tx.work
	}
	return tx.store.current()
}

func (tx *memTx) writable(ctx context.Context) (*memDB, error) {
	if tx.work != nil {
		return tx.work, nil
	}
	if err := tx.store.acquire(ctx); err != nil {
		return nil, err
	}
	tx.work = tx.store.current().clone()
	return tx.work, nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if tx.work == nil {
		return nil
	}
	tx.store.mu.Lock()
	tx.store.db = tx.work
	tx.store.mu.Unlock()
	tx.work = nil
	tx.store.release()
	tx.store.log.Debug().Msg("memory transaction committed")
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if tx.work != nil {
		tx.work = nil
		tx.store.release()
	}
	return nil
}

// Execute runs one statement against the transaction's view of the store.
func (tx *memTx) Execute(ctx context.Context, stmt ast.Statement) (*orm.Result, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s := stmt.(type) {
	case ast.Select:
		ev := &evaluator{db: tx.view()}
		rows, err := ev.selectRows(s, nil)
		if err != nil {
			return nil, err
		}
		res := &orm.Result{Rows: make([]orm.Row, len(rows))}
		for i, r := range rows {
			res.Rows[i] = r
		}
		return res, nil
	case ast.Raw:
		return nil, fmt.Errorf("%w: raw SQL on the memory store", ErrUnsupported)
	}

	db, err := tx.writable(ctx)
	if err != nil {
		return nil, err
	}
	w := &writer{db: db, now: tx.store.now}
	switch s := stmt.(type) {
	case ast.CreateTable:
		return w.createTable(s)
	case ast.DropTable:
		return w.dropTable(s)
	case ast.Insert:
		return w.insert(s)
	case ast.Update:
		return w.update(s)
	case ast.Delete:
		return w.delete(s)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, stmt)
}

// --- Writes ---

// writer applies one statement. Each statement works on a copy of the
// affected table that replaces the original only when the statement succeeds.
type writer struct {
	db  *memDB
	now func() time.Time
}

func (w *writer) createTable(s ast.CreateTable) (*orm.Result, error) {
	if _, exists := w.db.tables[s.Name]; exists {
		if s.IfNotExists {
			return &orm.Result{}, nil
		}
		return nil, driverErrorf("table %s already exists", s.Name)
	}
	t, err := newMemTable(s)
	if err != nil {
		return nil, err
	}
	w.db.tables[s.Name] = t
	return &orm.Result{}, nil
}

func (w *writer) dropTable(s ast.DropTable) (*orm.Result, error) {
	if _, exists := w.db.tables[s.Name]; !exists {
		if s.IfExists {
			return &orm.Result{}, nil
		}
		return nil, driverErrorf("no such table: %s", s.Name)
	}
	delete(w.db.tables, s.Name)
	return &orm.Result{}, nil
}

func (w *writer) insert(s ast.Insert) (*orm.Result, error) {
	base, err := w.db.table(s.Table)
	if err != nil {
		return nil, err
	}
	if len(s.Columns) != len(s.Values) {
		return nil, driverErrorf("insert into %s: %d columns but %d values", s.Table, len(s.Columns), len(s.Values))
	}
	t := base.clone()

	given := make(map[string]any, len(s.Columns))
	for i, col := range s.Columns {
		if !t.hasColumn(col) {
			return nil, driverErrorf("table %s has no column named %s", s.Table, col)
		}
		given[col] = s.Values[i]
	}

	row := make(map[string]any, len(t.def.Columns))
	for _, c := range t.def.Columns {
		v, ok := given[c.Name]
		if !ok {
			v = w.defaultFor(c)
		}
		v, err := coerceColumn(s.Table, c, v)
		if err != nil {
			return nil, err
		}
		if c.AutoIncrement {
			if v == nil {
				t.serial++
				v = t.serial
			} else if n, ok := v.(int64); ok && n > t.serial {
				t.serial = n
			}
		}
		row[c.Name] = v
	}

	existing, err := t.decodeAll()
	if err != nil {
		return nil, err
	}
	if err := w.checkRow(t, row, existing, -1); err != nil {
		return nil, err
	}
	data, err := encodeRow(row)
	if err != nil {
		return nil, err
	}
	t.nextID++
	t.rows = append(t.rows, memRow{id: t.nextID, data: data})
	w.db.tables[s.Table] = t

	res := &orm.Result{RowsAffected: 1}
	if len(s.Returning) > 0 {
		ret := make(orm.Row, len(s.Returning))
		for _, col := range s.Returning {
			if !t.hasColumn(col) {
				return nil, driverErrorf("table %s has no column named %s", s.Table, col)
			}
			ret[col] = row[col]
		}
		res.Rows = []orm.Row{ret}
	}
	return res, nil
}

func (w *writer) defaultFor(c ast.ColumnDef) any {
	switch d := c.Default.(type) {
	case nil:
		return nil
	case ast.Keyword:
		now := w.now().UTC()
		switch strings.ToUpper(string(d)) {
		case "CURRENT_TIMESTAMP", "NOW", "CURRENT_TIME":
			return now
		case "CURRENT_DATE":
			return now.Truncate(24 * time.Hour)
		case "TRUE":
			return true
		case "FALSE":
			return false
		}
		return string(d)
	default:
		return d
	}
}

func (w *writer) update(s ast.Update) (*orm.Result, error) {
	base, err := w.db.table(s.Table)
	if err != nil {
		return nil, err
	}
	t := base.clone()
	for _, a := range s.Set {
		if !t.hasColumn(a.Column) {
			return nil, driverErrorf("table %s has no column named %s", s.Table, a.Column)
		}
	}
	rows, err := t.decodeAll()
	if err != nil {
		return nil, err
	}
	matched, err := w.match(t, rows, s.Where)
	if err != nil {
		return nil, err
	}

	for _, i := range matched {
		old := rows[i]
		updated := make(map[string]any, len(old))
		for k, v := range old {
			updated[k] = v
		}
		for _, a := range s.Set {
			v, err := coerceColumn(s.Table, t.cols[a.Column], a.Value)
			if err != nil {
				return nil, err
			}
			updated[a.Column] = v
		}
		if err := w.checkRow(t, updated, rows, i); err != nil {
			return nil, err
		}
		if err := w.checkReferenced(t, old, updated, nil); err != nil {
			return nil, err
		}
		data, err := encodeRow(updated)
		if err != nil {
			return nil, err
		}
		rows[i] = updated
		t.rows[i].data = data
	}
	w.db.tables[s.Table] = t
	return &orm.Result{RowsAffected: int64(len(matched))}, nil
}

func (w *writer) delete(s ast.Delete) (*orm.Result, error) {
	base, err := w.db.table(s.Table)
	if err != nil {
		return nil, err
	}
	t := base.clone()
	rows, err := t.decodeAll()
	if err != nil {
		return nil, err
	}
	matched, err := w.match(t, rows, s.Where)
	if err != nil {
		return nil, err
	}
	removed := make(map[int64]bool, len(matched))
	for _, i := range matched {
		removed[t.rows[i].id] = true
	}
	for _, i := range matched {
		if err := w.checkReferenced(t, rows[i], nil, removed); err != nil {
			return nil, err
		}
	}
	t.rows = slices.DeleteFunc(t.rows, func(r memRow) bool { return removed[r.id] })
	w.db.tables[s.Table] = t
	return &orm.Result{RowsAffected: int64(len(matched))}, nil
}

func (w *writer) match(t *memTable, rows []map[string]any, where ast.Expr) ([]int, error) {
	ev := &evaluator{db: w.db}
	var out []int
	for i, row := range rows {
		sc := &scope{tuple: []binding{{name: t.def.Name, table: t, row: row}}}
		ok, err := ev.truth(where, sc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// checkRow enforces NOT NULL, PRIMARY KEY, UNIQUE and outbound FOREIGN KEY
// constraints for row. self is the index of the row being replaced, or -1.
func (w *writer) checkRow(t *memTable, row map[string]any, existing []map[string]any, self int) error {
	name := t.def.Name
	for _, c := range t.def.Columns {
		if row[c.Name] != nil {
			continue
		}
		if c.NotNull || slices.Contains(t.def.PrimaryKey, c.Name) {
			kind := orm.ConstraintNotNull
			return &orm.ConstraintViolationError{Kind: kind, Table: name, Column: c.Name,
				Cause: driverErrorf("NOT NULL constraint failed: %s.%s", name, c.Name)}
		}
	}

	type key struct {
		cols []string
		kind orm.ConstraintKind
	}
	keys := []key{{t.def.PrimaryKey, orm.ConstraintPrimaryKey}}
	for _, c := range t.def.Columns {
		if c.Unique {
			keys = append(keys, key{[]string{c.Name}, orm.ConstraintUnique})
		}
	}
	for _, u := range t.def.Uniques {
		keys = append(keys, key{u, orm.ConstraintUnique})
	}
	for _, k := range keys {
		if len(k.cols) == 0 || anyNull(row, k.cols) {
			continue
		}
		for i, other := range existing {
			if i == self || !sameValues(row, k.cols, other, k.cols) {
				continue
			}
			return &orm.ConstraintViolationError{Kind: k.kind, Table: name, Column: strings.Join(k.cols, ","),
				Cause: driverErrorf("%s constraint failed: %s.%s", strings.ToUpper(string(k.kind)), name, strings.Join(k.cols, ","))}
		}
	}

	for _, fk := range t.def.ForeignKeys {
		if anyNull(row, fk.Columns) {
			continue
		}
		var candidates []map[string]any
		if fk.RefTable == name {
			candidates = append(existing, row)
		} else {
			ref, ok := w.db.tables[fk.RefTable]
			if !ok {
				return foreignKeyError(name, fk.Columns)
			}
			var err error
			if candidates, err = ref.decodeAll(); err != nil {
				return err
			}
		}
		found := false
		for _, cand := range candidates {
			if sameValues(row, fk.Columns, cand, fk.RefColumns) {
				found = true
				break
			}
		}
		if !found {
			return foreignKeyError(name, fk.Columns)
		}
	}
	return nil
}

// checkReferenced rejects deleting old (updated == nil) or changing its
// referenced columns while rows elsewhere still point at it. removed holds
// row ids deleted by the same statement.
func (w *writer) checkReferenced(t *memTable, old, updated map[string]any, removed map[int64]bool) error {
	for _, other := range w.db.tables {
		for _, fk := range other.def.ForeignKeys {
			if fk.RefTable != t.def.Name {
				continue
			}
			if updated != nil && sameValues(old, fk.RefColumns, updated, fk.RefColumns) {
				continue
			}
			src := other
			if other.def.Name == t.def.Name {
				src = t
			}
			for _, r := range src.rows {
				if removed[r.id] {
					continue
				}
				ref, err := decodeRow(r.data)
				if err != nil {
					return err
				}
				if anyNull(ref, fk.Columns) || !sameValues(ref, fk.Columns, old, fk.RefColumns) {
					continue
				}
				return foreignKeyError(other.def.Name, fk.Columns)
			}
		}
	}
	return nil
}

func foreignKeyError(table string, cols []string) error {
	return &orm.ConstraintViolationError{
		Kind:   orm.ConstraintForeignKey,
		Table:  table,
		Column: strings.Join(cols, ","),
		Cause:  driverErrorf("FOREIGN KEY constraint failed"),
	}
}

func anyNull(row map[string]any, cols []string) bool {
	for _, c := range cols {
		if row[c] == nil {
			return true
		}
	}
	return false
}

func sameValues(a map[string]any, acols []string, b map[string]any, bcols []string) bool {
	if len(acols) != len(bcols) {
		return false
	}
	for i := range acols {
		av, bv := a[acols[i]], b[bcols[i]]
		if av == nil || bv == nil {
			return false
		}
		c, err := compareValues(av, bv)
		if err != nil || c != 0 {
			return false
		}
	}
	return true
}
