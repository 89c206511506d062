package routing

import (
	"testing"

	"github.com/relaymesh/relay/internal/wildcard"
)

func TestExactRouteRejectsDuplicate(t *testing.T) {
	r := New()
	key := Key{Kind: "tcp", Value: "5000"}
	if err := r.Register(key, "session-a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(key, "session-b"); err == nil {
		t.Fatal("expected conflict on duplicate exact registration")
	}
}

func TestExactNeverShadowedByWildcard(t *testing.T) {
	r := New()
	pat, err := wildcard.Parse("*.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterWildcard(pat, "wildcard-session"); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Key{Kind: "http", Value: "foo.example.com"}, "exact-session"); err != nil {
		t.Fatal(err)
	}

	got, ok := r.LookupHTTPHost("foo.example.com")
	if !ok || got != "exact-session" {
		t.Fatalf("LookupHTTPHost = (%v, %v), want exact-session", got, ok)
	}
}

func TestLookupHTTPHostMostSpecificWildcardWins(t *testing.T) {
	r := New()
	outer, _ := wildcard.Parse("*.example.com")
	inner, _ := wildcard.Parse("*.b.example.com")
	if err := r.RegisterWildcard(outer, "outer"); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterWildcard(inner, "inner"); err != nil {
		t.Fatal(err)
	}

	got, ok := r.LookupHTTPHost("a.b.example.com")
	if !ok || got != "inner" {
		t.Fatalf("LookupHTTPHost = (%v, %v), want inner", got, ok)
	}
}

func TestLookupHTTPHostStripsPort(t *testing.T) {
	r := New()
	if err := r.Register(Key{Kind: "http", Value: "example.com"}, "sess"); err != nil {
		t.Fatal(err)
	}
	got, ok := r.LookupHTTPHost("example.com:8080")
	if !ok || got != "sess" {
		t.Fatalf("LookupHTTPHost = (%v, %v), want sess", got, ok)
	}
}

func TestTCPAndSNIUseExactOnly(t *testing.T) {
	r := New()
	pat, _ := wildcard.Parse("*.example.com")
	if err := r.RegisterWildcard(pat, "wc"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup(Key{Kind: "tls", Value: "foo.example.com"}); ok {
		t.Fatal("TLS/SNI lookup must not consult the wildcard map")
	}
}

func TestRegisterAllIsAtomic(t *testing.T) {
	r := New()
	if err := r.Register(Key{Kind: "tcp", Value: "9000"}, "existing"); err != nil {
		t.Fatal(err)
	}

	err := r.RegisterAll(
		[]KeyTarget{
			{Key: Key{Kind: "tcp", Value: "9001"}, Target: "new-a"},
			{Key: Key{Kind: "tcp", Value: "9000"}, Target: "new-b"}, // conflicts
		},
		nil,
	)
	if err == nil {
		t.Fatal("expected RegisterAll to fail on partial conflict")
	}
	if r.Exists(Key{Kind: "tcp", Value: "9001"}) {
		t.Fatal("RegisterAll must not leave partial state behind on conflict")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	key := Key{Kind: "tcp", Value: "1234"}
	r.Unregister(key) // no-op, must not panic
	if err := r.Register(key, "sess"); err != nil {
		t.Fatal(err)
	}
	r.Unregister(key)
	r.Unregister(key)
	if r.Exists(key) {
		t.Fatal("expected key to be gone after Unregister")
	}
}
