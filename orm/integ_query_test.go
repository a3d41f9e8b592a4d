package orm_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/CaliLuke/go-uow/orm"
)

func TestIntegration_QueryFilters(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()

	tests := []struct {
		name  string
		build func(q *orm.Query[User]) *orm.Query[User]
		want  []string
	}{
		{"all", func(q *orm.Query[User]) *orm.Query[User] { return q }, []string{"ann", "bob", "cy"}},
		{"eq", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Eq("name", "bob")) }, []string{"bob"}},
		{"neq", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Neq("name", "bob")) }, []string{"ann", "cy"}},
		{"like", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Like("name", "%n%")) }, []string{"ann"}},
		{"like is case sensitive", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Like("name", "A%")) }, nil},
		{"ilike", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.ILike("name", "A%")) }, []string{"ann"}},
		{"contains", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Contains("email", "example")) }, []string{"ann", "cy"}},
		{"startswith", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Startswith("name", "c")) }, []string{"cy"}},
		{"in", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.In("name", "ann", "cy", "zed")) }, []string{"ann", "cy"}},
		{"empty in", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.In("name")) }, nil},
		{"not in", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.NotIn("name", "ann")) }, []string{"bob", "cy"}},
		{"is null", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.IsNull("email")) }, []string{"bob"}},
		{"eq nil", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Eq("email", nil)) }, []string{"bob"}},
		{"not null", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.NotNull("email")) }, []string{"ann", "cy"}},
		{"range", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Range("id", ids["ann"], ids["bob"])) }, []string{"ann", "bob"}},
		{"gt", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Gt("id", ids["ann"])) }, []string{"bob", "cy"}},
		{"or", func(q *orm.Query[User]) *orm.Query[User] {
			return q.Where(orm.Or(orm.Eq("name", "bob"), orm.Eq("name", "cy")))
		}, []string{"bob", "cy"}},
		{"not", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Not(orm.Eq("name", "ann"))) }, []string{"bob", "cy"}},
		{"filter by", func(q *orm.Query[User]) *orm.Query[User] {
			return q.FilterBy(map[string]any{"name": "cy", "version": 1})
		}, []string{"cy"}},
		{"join", func(q *orm.Query[User]) *orm.Query[User] { return q.Join("Addresses") }, []string{"ann", "bob"}},
		{"join filter", func(q *orm.Query[User]) *orm.Query[User] {
			return q.Join("Addresses").Where(orm.Eq("addresses.city", "Bergen"))
		}, []string{"ann"}},
		{"outer join without match", func(q *orm.Query[User]) *orm.Query[User] {
			return q.OuterJoin("Addresses").Where(orm.IsNull("addresses.id"))
		}, []string{"cy"}},
		{"any", func(q *orm.Query[User]) *orm.Query[User] {
			return q.Where(orm.Any("Addresses", orm.Eq("city", "Oslo")))
		}, []string{"ann", "bob"}},
		{"no related rows", func(q *orm.Query[User]) *orm.Query[User] { return q.Where(orm.Not(orm.Any("Addresses"))) }, []string{"cy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openSession(t, db)
			got, err := tt.build(orm.NewQuery[User](s)).OrderAsc("id").All(ctx)
			if err != nil {
				t.Fatalf("All: %v", err)
			}
			if !slices.Equal(names(got), tt.want) {
				t.Errorf("got %v, want %v", names(got), tt.want)
			}
		})
	}
}

func TestIntegration_QueryOrderLimit(t *testing.T) {
	db, _ := setupTestDB(t)
	seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	got, err := orm.NewQuery[User](s).OrderDesc("name").Limit(2).All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names(got), []string{"cy", "bob"}) {
		t.Errorf("desc limit = %v", names(got))
	}

	got, err = orm.NewQuery[User](s).OrderAsc("name").Limit(1).Offset(1).All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names(got), []string{"bob"}) {
		t.Errorf("offset = %v", names(got))
	}

	// NULL emails sort first.
	got, err = orm.NewQuery[User](s).OrderAsc("email").All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names(got), []string{"bob", "ann", "cy"}) {
		t.Errorf("null ordering = %v", names(got))
	}

	addrs, err := orm.NewQuery[Address](s).OrderAsc("city").OrderDesc("id").All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var cities []string
	for _, a := range addrs {
		cities = append(cities, a.City)
	}
	if !slices.Equal(cities, []string{"Bergen", "Oslo", "Oslo"}) || addrs[1].ID < addrs[2].ID {
		t.Errorf("addresses = %v", cities)
	}
}

func TestIntegration_QueryTerminals(t *testing.T) {
	db, _ := setupTestDB(t)
	seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)
	users := func() *orm.Query[User] { return orm.NewQuery[User](s) }

	if n, err := users().Count(ctx); err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}
	if n, err := users().Join("Addresses").Count(ctx); err != nil || n != 2 {
		t.Errorf("joined Count = %d, %v; want 2", n, err)
	}
	if ok, err := users().Where(orm.Eq("name", "zed")).Exists(ctx); err != nil || ok {
		t.Errorf("Exists(zed) = %v, %v", ok, err)
	}
	if ok, err := users().Where(orm.Eq("name", "cy")).Exists(ctx); err != nil || !ok {
		t.Errorf("Exists(cy) = %v, %v", ok, err)
	}

	first, err := users().OrderDesc("id").First(ctx)
	if err != nil || first == nil || first.Name != "cy" {
		t.Errorf("First = %v, %v", first, err)
	}
	none, err := users().Where(orm.Eq("name", "zed")).First(ctx)
	if err != nil || none != nil {
		t.Errorf("First on empty = %v, %v", none, err)
	}

	var nf *orm.NotFoundError
	if _, err := users().Where(orm.Eq("name", "zed")).One(ctx); !errors.As(err, &nf) || nf.Count != 0 {
		t.Errorf("One on empty = %v", err)
	}
	if _, err := users().Where(orm.NotNull("email")).One(ctx); !errors.As(err, &nf) || nf.Count != 2 {
		t.Errorf("One on two rows = %v", err)
	}
	if u, err := users().Where(orm.Eq("name", "zed")).OneOrNone(ctx); err != nil || u != nil {
		t.Errorf("OneOrNone on empty = %v, %v", u, err)
	}
	if u, err := users().Where(orm.Eq("name", "bob")).OneOrNone(ctx); err != nil || u == nil || u.Name != "bob" {
		t.Errorf("OneOrNone(bob) = %v, %v", u, err)
	}
}

func TestIntegration_QueryIterStopsEarly(t *testing.T) {
	db, _ := setupTestDB(t)
	seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	var seen []string
	for u, err := range orm.NewQuery[User](s).OrderAsc("id").Iter(ctx) {
		if err != nil {
			t.Fatalf("Iter: %v", err)
		}
		seen = append(seen, u.Name)
		if len(seen) == 2 {
			break
		}
	}
	if !slices.Equal(seen, []string{"ann", "bob"}) {
		t.Errorf("seen = %v", seen)
	}
	// The session stays usable after an abandoned iteration.
	if n, err := orm.NewQuery[User](s).Count(ctx); err != nil || n != 3 {
		t.Errorf("Count after break = %d, %v", n, err)
	}
}

func TestIntegration_QueryBulkDeleteAndUpdate(t *testing.T) {
	db, store := setupTestDB(t)
	seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	n, err := orm.NewQuery[User](s).Where(orm.NotNull("email")).Update(ctx, map[string]any{"name": "vip"})
	if err != nil || n != 2 {
		t.Fatalf("Update = %d, %v", n, err)
	}
	if c, err := orm.NewQuery[User](s).Where(orm.Eq("name", "vip"), orm.Eq("version", 2)).Count(ctx); err != nil || c != 2 {
		t.Errorf("updated rows = %d, %v", c, err)
	}

	// Deleting through a query cascades to the addresses.
	n, err = orm.NewQuery[User](s).Where(orm.Eq("email", "a@example.com")).Delete(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Delete = %d, %v", n, err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.RowCount("users") != 2 || store.RowCount("addresses") != 1 {
		t.Errorf("rows: users %d, addresses %d", store.RowCount("users"), store.RowCount("addresses"))
	}

	if _, err := orm.NewQuery[User](s).Update(ctx, map[string]any{"nickname": "x"}); err == nil {
		t.Error("Update of unknown column succeeded")
	}
}

func TestIntegration_QuerySeesPendingChanges(t *testing.T) {
	db, _ := setupTestDB(t)
	ids := seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	bob := mustGet[User](t, s, ids["bob"])
	bob.Email = strPtr("b@example.com")
	got, err := orm.NewQuery[User](s).Where(orm.IsNull("email")).All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("autoflush missed a dirty instance: %v", names(got))
	}
	if s.IsDirty(bob) {
		t.Error("instance still dirty after autoflush")
	}
}

func TestIntegration_QueryJoinAliases(t *testing.T) {
	db, _ := setupTestDB(t)
	seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	// Each alias matches its own address row.
	got, err := orm.NewQuery[User](s).
		JoinAs("Addresses", "a1").
		JoinAs("Addresses", "a2").
		Where(orm.Eq("a1.city", "Oslo"), orm.Eq("a2.city", "Bergen")).
		OrderAsc("id").
		All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if !slices.Equal(names(got), []string{"ann"}) {
		t.Errorf("got %v, want [ann]", names(got))
	}

	got, err = orm.NewQuery[User](s).
		Join("Addresses").
		OuterJoinAs("Addresses", "other").
		Where(orm.Eq("addresses.city", "Oslo"), orm.Eq("other.city", "Bergen")).
		All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if !slices.Equal(names(got), []string{"ann"}) {
		t.Errorf("mixed aliases: got %v, want [ann]", names(got))
	}

	dup := []struct {
		name string
		q    *orm.Query[User]
	}{
		{"same relation twice", orm.NewQuery[User](s).Join("Addresses").Join("Addresses")},
		{"alias reused", orm.NewQuery[User](s).JoinAs("Addresses", "a").OuterJoinAs("Addresses", "a")},
		{"alias shadows root", orm.NewQuery[User](s).JoinAs("Addresses", "users")},
	}
	for _, tt := range dup {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.q.All(ctx); err == nil {
				t.Error("ambiguous join accepted")
			}
		})
	}
}

func TestIntegration_QueryCountRelated(t *testing.T) {
	db, _ := setupTestDB(t)
	seedUsers(t, db)
	ctx := context.Background()
	s := openSession(t, db)

	counts, err := orm.NewQuery[User](s).OrderAsc("id").CountRelated(ctx, "Addresses")
	if err != nil {
		t.Fatalf("CountRelated: %v", err)
	}
	got := make(map[string]int64, len(counts))
	var order []string
	for _, c := range counts {
		got[c.Item.Name] = c.Count
		order = append(order, c.Item.Name)
	}
	if !slices.Equal(order, []string{"ann", "bob", "cy"}) {
		t.Errorf("order = %v", order)
	}
	if got["ann"] != 2 || got["bob"] != 1 || got["cy"] != 0 {
		t.Errorf("counts = %v", got)
	}

	// Filters on the parent query narrow the groups.
	counts, err = orm.NewQuery[User](s).Where(orm.NotNull("email")).CountRelated(ctx, "Addresses")
	if err != nil || len(counts) != 2 {
		t.Fatalf("filtered CountRelated = %v, %v", counts, err)
	}

	if _, err := orm.NewQuery[Address](s).CountRelated(ctx, "User"); err == nil {
		t.Error("CountRelated over a many-to-one relation succeeded")
	}
	if _, err := orm.NewQuery[User](s).CountRelated(ctx, "Nope"); err == nil {
		t.Error("CountRelated over an unknown relation succeeded")
	}
}
