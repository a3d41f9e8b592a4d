// tutorial walks through the unit-of-work lifecycle against the configured
// store: adding users with addresses, autoflush before a query, the new and
// dirty sets, rollback, and cascading deletes.
//
// Usage:
//
//	tutorial [-env .env]
//
// The store is chosen by UOW_DRIVER (memory by default); see package config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CaliLuke/go-uow/config"
	"github.com/CaliLuke/go-uow/driver"
	"github.com/CaliLuke/go-uow/orm"
)

type User struct {
	orm.BaseEntity `orm:"table:users"`

	ID        int64                   `orm:"id,pk,autoincrement"`
	Name      string                  `orm:"name,notnull,size=50"`
	Fullname  *string                 `orm:"fullname"`
	Nickname  *string                 `orm:"nickname,size=50"`
	Addresses orm.Collection[Address] `orm:"fk=user_id,cascade=all|delete-orphan,order=id"`
}

type Address struct {
	orm.BaseEntity `orm:"table:addresses"`

	ID           int64         `orm:"id,pk,autoincrement"`
	EmailAddress string        `orm:"email_address,notnull"`
	UserID       *int64        `orm:"user_id,fk=users.id"`
	User         orm.Ref[User] `orm:"ref=user_id"`
}

func main() {
	envFile := flag.String("env", ".env", "Optional .env file with UOW_* settings")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := config.NewConsoleLogger(cfg)

	orm.MustRegister[User]()
	orm.MustRegister[Address]()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, store, err := driver.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := db.CreateAll(ctx); err != nil {
		return err
	}

	s, err := db.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	// Pending instances are written by autoflush before the query runs.
	ed := &User{Name: "ed", Fullname: ptr("Ed Jones"), Nickname: ptr("edsnickname")}
	if err := s.Add(ed); err != nil {
		return err
	}
	fmt.Printf("ed is %s, id %d\n", orm.StateOf(ed), ed.ID)

	found, err := orm.NewQuery[User](s).FilterBy(map[string]any{"name": "ed"}).First(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queried ed: same instance %v, id %d, state %s\n", found == ed, ed.ID, orm.StateOf(ed))

	wendy := &User{Name: "wendy", Fullname: ptr("Wendy Williams"), Nickname: ptr("windy")}
	mary := &User{Name: "mary", Fullname: ptr("Mary Contrary"), Nickname: ptr("mary")}
	fred := &User{Name: "fred", Fullname: ptr("Fred Flintstone"), Nickname: ptr("freddy")}
	if err := s.AddAll(wendy, mary, fred); err != nil {
		return err
	}
	ed.Nickname = ptr("eddie")
	fmt.Printf("new: %d, dirty: %d\n", len(s.New()), len(s.Dirty()))
	if err := s.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("committed; ed id %d\n", ed.ID)

	// Rollback restores the committed values and forgets new instances.
	ed.Name = "Edwardo"
	fake := &User{Name: "fakeuser", Fullname: ptr("Invalid"), Nickname: ptr("12345")}
	if err := s.Add(fake); err != nil {
		return err
	}
	n, err := orm.NewQuery[User](s).Where(orm.In("name", "Edwardo", "fakeuser")).Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("inside the transaction: %d matching users\n", n)
	if err := s.Rollback(ctx); err != nil {
		return err
	}
	fmt.Printf("after rollback: ed is named %q, fakeuser is %s\n", ed.Name, orm.StateOf(fake))

	if err := printUsers(ctx, s); err != nil {
		return err
	}

	// Relationships.
	jack := &User{Name: "jack", Fullname: ptr("Jack Bean"), Nickname: ptr("gjffdd")}
	jack.Addresses.Append(
		&Address{EmailAddress: "jack@google.com"},
		&Address{EmailAddress: "j25@yahoo.com"},
	)
	if err := s.Add(jack); err != nil {
		return err
	}
	if err := s.Commit(ctx); err != nil {
		return err
	}
	addrs, err := jack.Addresses.All(ctx)
	if err != nil {
		return err
	}
	owner, err := addrs[1].User.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("jack has %d addresses; second belongs to %s\n", len(addrs), owner.Name)

	withGoogle, err := orm.NewQuery[User](s).
		Where(orm.Any("Addresses", orm.Like("email_address", "%google%"))).
		All(ctx)
	if err != nil {
		return err
	}
	for _, u := range withGoogle {
		fmt.Printf("has a google address: %s\n", u.Name)
	}

	counts, err := orm.NewQuery[User](s).OrderAsc("id").CountRelated(ctx, "Addresses")
	if err != nil {
		return err
	}
	for _, c := range counts {
		fmt.Printf("  %-6s %d address(es)\n", c.Item.Name, c.Count)
	}

	// Removing a member deletes it; deleting the parent deletes the rest.
	jack.Addresses.Remove(addrs[1])
	if err := s.Flush(ctx); err != nil {
		return err
	}
	left, err := orm.NewQuery[Address](s).Where(orm.Eq("user_id", jack.ID)).Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("after removing one address jack has %d\n", left)

	if err := s.Delete(jack); err != nil {
		return err
	}
	if err := s.Commit(ctx); err != nil {
		return err
	}
	remaining, err := orm.NewQuery[Address](s).Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("jack deleted; %d addresses remain\n", remaining)

	_, err = orm.Get[User](ctx, s, jack.ID)
	var nf *orm.NotFoundError
	if !errors.As(err, &nf) {
		return fmt.Errorf("expected jack to be gone, got %v", err)
	}
	fmt.Println(nf)
	return nil
}

func printUsers(ctx context.Context, s *orm.Session) error {
	for u, err := range orm.NewQuery[User](s).OrderAsc("id").Iter(ctx) {
		if err != nil {
			return err
		}
		nick := ""
		if u.Nickname != nil {
			nick = *u.Nickname
		}
		fmt.Printf("  %d %-6s %s\n", u.ID, u.Name, nick)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
