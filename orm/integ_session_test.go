package orm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/CaliLuke/go-uow/driver"
	"github.com/CaliLuke/go-uow/orm"
)

func TestIntegration_InsertParentFirst(t *testing.T) {
	db, store := setupTestDB(t)
	ctx := context.Background()
	s := openSession(t, db)

	// Only the child is added; the parent arrives through the reference and
	// must be written first for the foreign key to hold.
	ann := &User{Name: "ann"}
	addr := &Address{City: "Oslo"}
	addr.User.Set(ann)
	if err := s.Add(addr); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if orm.StateOf(ann) != orm.StatePending {
		t.Fatalf("parent state = %v, want pending", orm.StateOf(ann))
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ann.ID == 0 || addr.UserID == nil || *addr.UserID != ann.ID {
		t.Errorf("keys not propagated: user %d, address.user_id %v", ann.ID, addr.UserID)
	}
	if ann.Version != 1 {
		t.Errorf("Version = %d, want 1", ann.Version)
	}
	if store.RowCount("users") != 1 || store.RowCount("addresses") != 1 {
		t.Errorf("rows: users %d, addresses %d", store.RowCount("users"), store.RowCount("addresses"))
	}
}

func TestIntegration_IdentityMap(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	a := mustGet[User](t, s, ids["ann"])
	b := mustGet[User](t, s, ids["ann"])
	if a != b {
		t.Fatal("Get returned two instances for one row")
	}
	found, err := orm.NewQuery[User](s).Where(orm.Eq("name", "ann")).One(ctx)
	if err != nil {
		t.Fatalf("One: %v", err)
	}
	if found != a {
		t.Error("query result is not the tracked instance")
	}
	addrs, err := a.Addresses.All(ctx)
	if err != nil {
		t.Fatalf("Addresses: %v", err)
	}
	if len(addrs) != 2 || addrs[0].City != "Oslo" || addrs[1].City != "Bergen" {
		t.Fatalf("addresses = %+v", addrs)
	}
	owner, err := addrs[1].User.Get(ctx)
	if err != nil {
		t.Fatalf("User.Get: %v", err)
	}
	if owner != a {
		t.Error("reference did not resolve to the tracked owner")
	}
}

func TestIntegration_AlreadyTracked(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	s1 := openSession(t, db)
	s2 := openSession(t, db)

	ann := mustGet[User](t, s1, ids["ann"])
	var tracked *orm.AlreadyTrackedError
	if err := s2.Add(ann); !errors.As(err, &tracked) {
		t.Fatalf("Add = %v, want AlreadyTrackedError", err)
	}
	if tracked.SessionID != s1.ID() {
		t.Errorf("SessionID = %s, want %s", tracked.SessionID, s1.ID())
	}
	if !s1.Contains(ann) || s2.Contains(ann) {
		t.Error("ownership changed after a rejected Add")
	}
}

func TestIntegration_GetNotFound(t *testing.T) {
	db, _ := setupTestDB(t)
	seedUsers(t, db)
	s := openSession(t, db)

	u, err := orm.Get[User](context.Background(), s, int64(999))
	var nf *orm.NotFoundError
	if !errors.As(err, &nf) || u != nil {
		t.Fatalf("Get = %v, %v; want NotFoundError", u, err)
	}
	if nf.Table != "users" {
		t.Errorf("Table = %q", nf.Table)
	}
}

func TestIntegration_StaleData(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *orm.Session, u *User) error
		op     string
	}{
		{
			name: "update",
			modify: func(_ *orm.Session, u *User) error {
				u.Name = "ann from s1"
				return nil
			},
			op: "update",
		},
		{
			name:   "delete",
			modify: func(s *orm.Session, u *User) error { return s.Delete(u) },
			op:     "delete",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _ := setupTestDB(t)
			ids := seedUsers(t, db)
			ctx := context.Background()

			s1 := openSession(t, db)
			u1 := mustGet[User](t, s1, ids["ann"])

			s2 := openSession(t, db)
			u2 := mustGet[User](t, s2, ids["ann"])
			u2.Name = "ann from s2"
			if err := s2.Commit(ctx); err != nil {
				t.Fatalf("s2 Commit: %v", err)
			}
			if u2.Version != 2 {
				t.Errorf("s2 Version = %d, want 2", u2.Version)
			}

			if err := tt.modify(s1, u1); err != nil {
				t.Fatalf("modify: %v", err)
			}
			err := s1.Flush(ctx)
			var stale *orm.StaleDataError
			if !errors.As(err, &stale) {
				t.Fatalf("Flush = %v, want StaleDataError", err)
			}
			if stale.Op != tt.op || stale.Table != "users" || stale.Matched != 0 {
				t.Errorf("stale = %+v", stale)
			}

			var pending *orm.PendingRollbackError
			if _, err := orm.Get[User](ctx, s1, ids["bob"]); !errors.As(err, &pending) {
				t.Errorf("Get after failed flush = %v, want PendingRollbackError", err)
			}
			if err := s1.Rollback(ctx); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			if u1.Name != "ann" || orm.IsMarkedForDeletion(u1) {
				t.Errorf("after rollback: name %q, marked %v", u1.Name, orm.IsMarkedForDeletion(u1))
			}
			if err := s1.Refresh(ctx, u1); err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if u1.Name != "ann from s2" || u1.Version != 2 {
				t.Errorf("refreshed = %q v%d", u1.Name, u1.Version)
			}
		})
	}
}

func TestIntegration_ConstraintViolation(t *testing.T) {
	tests := []struct {
		name   string
		seed   func(t *testing.T, db *orm.Database)
		entity func() orm.Entity
		kind   orm.ConstraintKind
		table  string
		column string
	}{
		{
			name:   "unique email",
			seed:   func(t *testing.T, db *orm.Database) { seedUsers(t, db) },
			entity: func() orm.Entity { return &User{Name: "dup", Email: strPtr("a@example.com")} },
			kind:   orm.ConstraintUnique,
			table:  "users",
			column: "email",
		},
		{
			name:   "missing parent",
			seed:   func(*testing.T, *orm.Database) {},
			entity: func() orm.Entity { return &Address{City: "Nowhere", UserID: int64Ptr(999)} },
			kind:   orm.ConstraintForeignKey,
			table:  "addresses",
			column: "user_id",
		},
		{
			name: "duplicate natural key",
			seed: func(t *testing.T, db *orm.Database) {
				err := db.Run(context.Background(), func(s *orm.Session) error {
					return s.Add(&Article{Slug: "hello"})
				})
				if err != nil {
					t.Fatalf("seed: %v", err)
				}
			},
			entity: func() orm.Entity { return &Article{Slug: "hello"} },
			kind:   orm.ConstraintPrimaryKey,
			table:  "articles",
			column: "slug",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _ := setupTestDB(t)
			tt.seed(t, db)
			ctx := context.Background()
			s := openSession(t, db)

			e := tt.entity()
			if err := s.Add(e); err != nil {
				t.Fatalf("Add: %v", err)
			}
			err := s.Flush(ctx)
			var cv *orm.ConstraintViolationError
			if !errors.As(err, &cv) {
				t.Fatalf("Flush = %v, want ConstraintViolationError", err)
			}
			if cv.Kind != tt.kind || cv.Table != tt.table || cv.Column != tt.column {
				t.Errorf("violation = %s on %s.%s", cv.Kind, cv.Table, cv.Column)
			}

			var pending *orm.PendingRollbackError
			if err := s.Commit(ctx); !errors.As(err, &pending) {
				t.Errorf("Commit = %v, want PendingRollbackError", err)
			}
			if !errors.As(pending, &cv) {
				t.Error("PendingRollbackError does not unwrap to the violation")
			}
			if err := s.Rollback(ctx); err != nil {
				t.Fatalf("Rollback: %v", err)
			}
			if orm.StateOf(e) != orm.StateTransient {
				t.Errorf("state after rollback = %v, want transient", orm.StateOf(e))
			}
		})
	}
}

func TestIntegration_RollbackDiscardsFlushedWork(t *testing.T) {
	db, store := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	ann := mustGet[User](t, s, ids["ann"])
	ann.Name = "changed"
	dan := &User{Name: "dan"}
	if err := s.Add(dan); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n, err := orm.NewQuery[User](s).Count(ctx); err != nil || n != 4 {
		t.Fatalf("Count inside transaction = %d, %v; want 4", n, err)
	}
	if store.RowCount("users") != 3 {
		t.Errorf("uncommitted insert visible outside the transaction")
	}

	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ann.Name != "ann" || ann.Version != 1 {
		t.Errorf("ann after rollback = %q v%d", ann.Name, ann.Version)
	}
	if orm.StateOf(dan) != orm.StateTransient || dan.ID != 0 {
		t.Errorf("dan after rollback: %v id %d", orm.StateOf(dan), dan.ID)
	}
	if store.RowCount("users") != 3 {
		t.Errorf("users = %d, want 3", store.RowCount("users"))
	}

	other := openSession(t, db)
	if got := mustGet[User](t, other, ids["ann"]); got.Name != "ann" {
		t.Errorf("stored name = %q", got.Name)
	}
}

func TestIntegration_CloseAndReattach(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()

	s := openSession(t, db)
	ann := mustGet[User](t, s, ids["ann"])
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if orm.StateOf(ann) != orm.StateDetached {
		t.Fatalf("state = %v, want detached", orm.StateOf(ann))
	}
	if ann.Name != "ann" {
		t.Errorf("loaded column lost on close: %q", ann.Name)
	}
	var detached *orm.DetachedInstanceError
	if _, err := ann.Addresses.All(ctx); !errors.As(err, &detached) {
		t.Errorf("lazy load = %v, want DetachedInstanceError", err)
	}
	var closed *orm.SessionClosedError
	if err := s.Add(&User{Name: "late"}); !errors.As(err, &closed) {
		t.Errorf("Add on closed session = %v, want SessionClosedError", err)
	}

	s2 := openSession(t, db)
	if err := s2.Add(ann); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	ann.Name = "ann again"
	if err := s2.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ann.Version != 2 {
		t.Errorf("Version = %d, want 2", ann.Version)
	}

	s3 := openSession(t, db)
	if got := mustGet[User](t, s3, ids["ann"]); got.Name != "ann again" {
		t.Errorf("stored name = %q", got.Name)
	}
}

func TestIntegration_Autoflush(t *testing.T) {
	tests := []struct {
		name string
		opts []orm.Option
		want int64
	}{
		{"enabled", nil, 1},
		{"disabled", []orm.Option{orm.WithAutoflush(false)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _ := setupTestDB(t)
			ctx := context.Background()
			s := openSession(t, db, tt.opts...)

			if err := s.Add(&User{Name: "eve"}); err != nil {
				t.Fatal(err)
			}
			n, err := orm.NewQuery[User](s).Where(orm.Eq("name", "eve")).Count(ctx)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if n != tt.want {
				t.Errorf("Count = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestIntegration_CascadeDelete(t *testing.T) {
	db, store := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	ann := mustGet[User](t, s, ids["ann"])
	if err := s.Delete(ann); err != nil {
		t.Fatal(err)
	}
	if !orm.IsMarkedForDeletion(ann) {
		t.Error("not marked for deletion")
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if orm.StateOf(ann) != orm.StateDetached {
		t.Errorf("state = %v, want detached", orm.StateOf(ann))
	}
	if store.RowCount("users") != 2 || store.RowCount("addresses") != 1 {
		t.Errorf("rows: users %d, addresses %d", store.RowCount("users"), store.RowCount("addresses"))
	}
}

func TestIntegration_DeleteOrphan(t *testing.T) {
	db, store := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	ann := mustGet[User](t, s, ids["ann"])
	addrs, err := ann.Addresses.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	oslo, bergen := addrs[0], addrs[1]

	// Moving a member to another parent re-points it; dropping one deletes it.
	bob := mustGet[User](t, s, ids["bob"])
	if _, err := bob.Addresses.All(ctx); err != nil {
		t.Fatal(err)
	}
	ann.Addresses.Remove(bergen)
	bob.Addresses.Append(bergen)
	ann.Addresses.Remove(oslo)

	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if orm.StateOf(oslo) != orm.StateDetached {
		t.Errorf("orphan state = %v, want detached", orm.StateOf(oslo))
	}
	if bergen.UserID == nil || *bergen.UserID != ids["bob"] {
		t.Errorf("moved address user_id = %v", bergen.UserID)
	}
	if store.RowCount("addresses") != 2 {
		t.Errorf("addresses = %d, want 2", store.RowCount("addresses"))
	}

	check := openSession(t, db)
	n, err := orm.NewQuery[Address](check).Where(orm.Eq("user_id", ids["bob"])).Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("bob's addresses = %d, %v; want 2", n, err)
	}
}

func TestIntegration_ExpireOnCommit(t *testing.T) {
	tests := []struct {
		name     string
		opts     []orm.Option
		wantName string
	}{
		{"enabled", nil, "renamed"},
		{"disabled", []orm.Option{orm.WithExpireOnCommit(false)}, "ann"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _ := setupTestDB(t)
			ids := seedUsers(t, db)
			ctx := context.Background()

			s1 := openSession(t, db, tt.opts...)
			ann := mustGet[User](t, s1, ids["ann"])

			s2 := openSession(t, db)
			other := mustGet[User](t, s2, ids["ann"])
			other.Name = "renamed"
			if err := s2.Commit(ctx); err != nil {
				t.Fatalf("s2 Commit: %v", err)
			}

			if err := s1.Commit(ctx); err != nil {
				t.Fatalf("s1 Commit: %v", err)
			}
			if ann.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", ann.Name, tt.wantName)
			}
		})
	}
}

func TestIntegration_ExpireDetachesDeletedRows(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()

	s1 := openSession(t, db)
	cy := mustGet[User](t, s1, ids["cy"])

	s2 := openSession(t, db)
	if err := s2.Delete(mustGet[User](t, s2, ids["cy"])); err != nil {
		t.Fatal(err)
	}
	if err := s2.Commit(ctx); err != nil {
		t.Fatalf("s2 Commit: %v", err)
	}

	if err := s1.Commit(ctx); err != nil {
		t.Fatalf("s1 Commit: %v", err)
	}
	if orm.StateOf(cy) != orm.StateDetached || s1.Contains(cy) {
		t.Errorf("state = %v, want detached", orm.StateOf(cy))
	}
}

func TestIntegration_ServerDefaults(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()
	s := openSession(t, db)

	plain := &Article{Slug: "plain"}
	live := &Article{Slug: "live", Status: strPtr("live")}
	if err := s.AddAll(plain, live); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if plain.Status == nil || *plain.Status != "draft" {
		t.Errorf("default status = %v", plain.Status)
	}
	if live.Status == nil || *live.Status != "live" {
		t.Errorf("explicit status = %v", live.Status)
	}
	if plain.CreatedAt == nil || !plain.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", plain.CreatedAt, fixedNow)
	}
}

func TestIntegration_WriterBusy(t *testing.T) {
	db, store := setupTestDB(t)
	ctx := context.Background()

	s1 := openSession(t, db)
	if err := s1.Add(&User{Name: "w1"}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Flush(ctx); err != nil {
		t.Fatalf("s1 Flush: %v", err)
	}

	s2 := openSession(t, db)
	w2 := &User{Name: "w2"}
	if err := s2.Add(w2); err != nil {
		t.Fatal(err)
	}
	if err := s2.Flush(ctx); !errors.Is(err, driver.ErrBusy) {
		t.Fatalf("s2 Flush = %v, want ErrBusy", err)
	}
	if err := s2.Rollback(ctx); err != nil {
		t.Fatalf("s2 Rollback: %v", err)
	}
	if err := s1.Commit(ctx); err != nil {
		t.Fatalf("s1 Commit: %v", err)
	}

	if err := s2.Add(w2); err != nil {
		t.Fatal(err)
	}
	if err := s2.Commit(ctx); err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	if store.RowCount("users") != 2 {
		t.Errorf("users = %d, want 2", store.RowCount("users"))
	}
}

func TestIntegration_RunRollsBackOnError(t *testing.T) {
	db, store := setupTestDB(t)
	boom := errors.New("boom")
	err := db.Run(context.Background(), func(s *orm.Session) error {
		if err := s.Add(&User{Name: "ghost"}); err != nil {
			return err
		}
		if err := s.Flush(context.Background()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want boom", err)
	}
	if store.RowCount("users") != 0 {
		t.Errorf("users = %d, want 0", store.RowCount("users"))
	}
}

func TestIntegration_AppendToUnloadedCollection(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	cy := mustGet[User](t, s, ids["cy"])
	addr := &Address{City: "Tromso"}
	cy.Addresses.Append(addr)
	if cy.Addresses.Loaded() {
		t.Fatal("Append loaded the collection")
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if addr.UserID == nil || *addr.UserID != cy.ID {
		t.Errorf("appended address user_id = %v, want %d", addr.UserID, cy.ID)
	}
	if addr.User.Peek() != cy {
		t.Errorf("appended address points at %v, want cy", addr.User.Peek())
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	check := openSession(t, db)
	n, err := orm.NewQuery[Address](check).Where(orm.Eq("user_id", ids["cy"])).Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("cy's addresses = %d, %v; want 1", n, err)
	}
}

func TestIntegration_MoveIntoUnloadedCollection(t *testing.T) {
	db, store := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	ann := mustGet[User](t, s, ids["ann"])
	addrs, err := ann.Addresses.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	bergen := addrs[1]

	// bob's collection is never loaded; the move must not read as an orphan.
	bob := mustGet[User](t, s, ids["bob"])
	ann.Addresses.Remove(bergen)
	bob.Addresses.Append(bergen)
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if orm.StateOf(bergen) != orm.StatePersistent {
		t.Errorf("moved address state = %v, want persistent", orm.StateOf(bergen))
	}
	if bergen.UserID == nil || *bergen.UserID != ids["bob"] {
		t.Errorf("moved address user_id = %v, want %d", bergen.UserID, ids["bob"])
	}
	if store.RowCount("addresses") != 3 {
		t.Errorf("addresses = %d, want 3", store.RowCount("addresses"))
	}

	check := openSession(t, db)
	n, err := orm.NewQuery[Address](check).Where(orm.Eq("user_id", ids["bob"])).Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("bob's addresses = %d, %v; want 2", n, err)
	}
}

func TestIntegration_RollbackAfterCommitIsNoop(t *testing.T) {
	db, store := setupTestDB(t)
	ctx := context.Background()
	s := openSession(t, db)

	ed := &User{Name: "ed", Email: strPtr("ed@example.com")}
	if err := s.Add(ed); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ed.ID == 0 {
		t.Fatal("id not assigned by flush")
	}
	id := ed.ID
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if ed.ID != id || ed.Name != "ed" || ed.Email == nil || *ed.Email != "ed@example.com" || ed.Version != 1 {
		t.Errorf("attributes changed by rollback: %+v", ed)
	}
	if orm.StateOf(ed) != orm.StatePersistent {
		t.Errorf("state = %v, want persistent", orm.StateOf(ed))
	}
	if store.RowCount("users") != 1 {
		t.Errorf("users = %d, want 1", store.RowCount("users"))
	}
}
