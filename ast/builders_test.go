package ast

import "testing"

func TestCol(t *testing.T) {
	if got := Col("users.id"); got != (ColumnRef{Table: "users", Name: "id"}) {
		t.Errorf("Col(users.id) = %+v", got)
	}
	if got := Col("id"); got != (ColumnRef{Name: "id"}) {
		t.Errorf("Col(id) = %+v", got)
	}
}

func TestEq_NilBecomesIsNull(t *testing.T) {
	e := Eq(Col("fullname"), nil)
	if _, ok := e.(IsNull); !ok {
		t.Fatalf("expected IsNull, got %T", e)
	}
}

func TestAllOf(t *testing.T) {
	if AllOf() != nil {
		t.Error("empty AllOf should be nil")
	}
	single := Eq(Col("a"), 1)
	if got := AllOf(nil, single); got != single {
		t.Errorf("single term should pass through, got %#v", got)
	}
	nested := AllOf(And{Exprs: []Expr{Eq(Col("a"), 1), Eq(Col("b"), 2)}}, Eq(Col("c"), 3))
	and, ok := nested.(And)
	if !ok {
		t.Fatalf("expected And, got %T", nested)
	}
	if len(and.Exprs) != 3 {
		t.Errorf("expected flattened 3 terms, got %d", len(and.Exprs))
	}
}
