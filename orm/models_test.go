package orm

import (
	"testing"
	"time"
)

// --- Test models ---

type testUser struct {
	BaseEntity `orm:"table:users"`

	ID        int64                   `orm:"id,pk,autoincrement"`
	Name      string                  `orm:"name,notnull,size=50"`
	Email     *string                 `orm:"email,unique"`
	Version   int64                   `orm:"version"`
	Addresses Collection[testAddress] `orm:"fk=user_id,cascade=all|delete-orphan,order=id"`
	Posts     Collection[testPost]    `orm:"fk=author_id"`
}

type testAddress struct {
	BaseEntity `orm:"table:addresses"`

	ID     int64         `orm:"id,pk,autoincrement"`
	UserID *int64        `orm:"user_id,fk=users.id"`
	City   string        `orm:"city,notnull"`
	User   Ref[testUser] `orm:"ref=user_id"`
}

type testPost struct {
	BaseEntity `orm:"table:posts"`

	ID        int64         `orm:"id,pk,autoincrement"`
	AuthorID  *int64        `orm:"author_id,fk=users.id"`
	Title     string        `orm:"title,notnull"`
	Published *time.Time    `orm:"published_at"`
	Author    Ref[testUser] `orm:"ref=author_id"`
}

// testTag has a natural, caller-assigned key.
type testTag struct {
	BaseEntity

	Code  string  `orm:"code,pk"`
	Label string  `orm:"label,default='untitled'"`
	Score float64 `orm:"score,default=0"`
	Raw   []byte  `orm:"raw"`
}

// registerTestModels resets the registry and registers the test models.
func registerTestModels(t *testing.T) {
	t.Helper()
	ClearRegistry()
	t.Cleanup(ClearRegistry)
	for _, err := range []error{
		Register[testUser](),
		Register[testAddress](),
		Register[testPost](),
		Register[testTag](),
	} {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }
