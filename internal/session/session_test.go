package session

import (
	"testing"

	"github.com/relaymesh/relay/internal/routing"
)

func TestAddRejectsDuplicateTunnelID(t *testing.T) {
	m := NewManager(routing.New())
	s1 := &Session{TunnelID: "t-1"}
	s2 := &Session{TunnelID: "t-1"}

	if err := m.Add(s1); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(s2); err == nil {
		t.Fatal("expected ErrAlreadyConnected on duplicate tunnel id")
	}
}

func TestRemoveEvictsOwnedRoutes(t *testing.T) {
	reg := routing.New()
	m := NewManager(reg)
	sess := &Session{TunnelID: "t-1"}
	if err := m.Add(sess); err != nil {
		t.Fatal(err)
	}

	key := routing.Key{Kind: "tcp", Value: "5000"}
	if err := m.RegisterRoute(sess, key, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterWildcardRoute(sess, "*.example.com", sess); err != nil {
		t.Fatal(err)
	}

	if !reg.Exists(key) {
		t.Fatal("expected route to be registered")
	}

	m.Remove("t-1")

	if reg.Exists(key) {
		t.Fatal("expected exact route to be evicted on Remove")
	}
	if _, ok := reg.LookupHTTPHost("foo.example.com"); ok {
		t.Fatal("expected wildcard route to be evicted on Remove")
	}
	if _, ok := m.Get("t-1"); ok {
		t.Fatal("expected session to be gone after Remove")
	}
}

func TestRegisterRoutesIsAtomic(t *testing.T) {
	reg := routing.New()
	m := NewManager(reg)
	sess := &Session{TunnelID: "t-1"}
	if err := m.Add(sess); err != nil {
		t.Fatal(err)
	}

	conflictKey := routing.Key{Kind: "tcp", Value: "5000"}
	if err := reg.Register(conflictKey, "someone-else"); err != nil {
		t.Fatal(err)
	}

	err := m.RegisterRoutes(sess, []RouteSpec{
		{Key: routing.Key{Kind: "tcp", Value: "6000"}, Exact: true, Target: sess},
		{Key: conflictKey, Exact: true, Target: sess},
	})
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	if reg.Exists(routing.Key{Kind: "tcp", Value: "6000"}) {
		t.Fatal("expected the non-conflicting route to be rolled back")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := NewManager(routing.New())
	m.Remove("does-not-exist") // must not panic
}

func TestCount(t *testing.T) {
	m := NewManager(routing.New())
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", m.Count())
	}
	if err := m.Add(&Session{TunnelID: "t-1"}); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}
