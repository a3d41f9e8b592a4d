package orm_test

import (
	"context"
	"testing"
	"time"

	"github.com/CaliLuke/go-uow/driver"
	"github.com/CaliLuke/go-uow/orm"
)

// --- Integration models ---

type User struct {
	orm.BaseEntity `orm:"table:users"`

	ID        int64                   `orm:"id,pk,autoincrement"`
	Name      string                  `orm:"name,notnull,size=50"`
	Email     *string                 `orm:"email,unique"`
	Version   int64                   `orm:"version"`
	Addresses orm.Collection[Address] `orm:"fk=user_id,cascade=all|delete-orphan,order=id"`
}

type Address struct {
	orm.BaseEntity `orm:"table:addresses"`

	ID     int64         `orm:"id,pk,autoincrement"`
	UserID *int64        `orm:"user_id,fk=users.id"`
	City   string        `orm:"city,notnull"`
	User   orm.Ref[User] `orm:"ref=user_id"`
}

// Article has a caller-assigned key and server-side defaults.
type Article struct {
	orm.BaseEntity `orm:"table:articles"`

	Slug      string     `orm:"slug,pk"`
	Status    *string    `orm:"status,default='draft'"`
	CreatedAt *time.Time `orm:"created_at,default=CURRENT_TIMESTAMP"`
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB registers the integration models and returns a database over a
// fresh memory store with the schema created.
func setupTestDB(t *testing.T, opts ...orm.Option) (*orm.Database, *driver.MemoryStore) {
	t.Helper()
	orm.ClearRegistry()
	t.Cleanup(orm.ClearRegistry)
	orm.MustRegister[User]()
	orm.MustRegister[Address]()
	orm.MustRegister[Article]()

	store := driver.NewMemoryStore(
		driver.WithBusyTimeout(50*time.Millisecond),
		driver.WithClock(func() time.Time { return fixedNow }),
	)
	t.Cleanup(func() { _ = store.Close() })
	db := orm.Open(store, opts...)
	if err := db.CreateAll(context.Background()); err != nil {
		t.Fatalf("CreateAll: %v", err)
	}
	return db, store
}

// openSession opens a session that is closed when the test ends.
func openSession(t *testing.T, db *orm.Database, opts ...orm.Option) *orm.Session {
	t.Helper()
	s, err := db.Session(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedUsers commits three users:
//
//	ann  a@example.com  Oslo, Bergen
//	bob  (no email)     Oslo
//	cy   c@example.com  (no addresses)
//
// and returns their ids by name.
func seedUsers(t *testing.T, db *orm.Database) map[string]int64 {
	t.Helper()
	ann := &User{Name: "ann", Email: strPtr("a@example.com")}
	ann.Addresses.Append(&Address{City: "Oslo"}, &Address{City: "Bergen"})
	bob := &User{Name: "bob"}
	bob.Addresses.Append(&Address{City: "Oslo"})
	cy := &User{Name: "cy", Email: strPtr("c@example.com")}

	err := db.Run(context.Background(), func(s *orm.Session) error {
		return s.AddAll(ann, bob, cy)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return map[string]int64{"ann": ann.ID, "bob": bob.ID, "cy": cy.ID}
}

func mustGet[T any](t *testing.T, s *orm.Session, pk ...any) *T {
	t.Helper()
	v, err := orm.Get[T](context.Background(), s, pk...)
	if err != nil {
		t.Fatalf("Get %v: %v", pk, err)
	}
	return v
}

func names(users []*User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
