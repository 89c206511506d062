package portalloc

import "testing"

func TestAllocateWithinRange(t *testing.T) {
	a := New(9000, 9001)
	p1, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct ports, got %d twice", p1)
	}
	if p1 < 9000 || p1 > 9001 || p2 < 9000 || p2 > 9001 {
		t.Fatalf("ports out of range: %d, %d", p1, p2)
	}
}

func TestAllocateRangeExhausted(t *testing.T) {
	a := New(9000, 9001)
	if _, err := a.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(); err != ErrRangeExhausted {
		t.Fatalf("expected ErrRangeExhausted, got %v", err)
	}
}

func TestAllocateSpecificHonorsRequest(t *testing.T) {
	a := New(9000, 9010)
	if err := a.AllocateSpecific(9005); err != nil {
		t.Fatal(err)
	}
	if !a.InUse(9005) {
		t.Fatal("expected port 9005 to be marked in use")
	}
	if err := a.AllocateSpecific(9005); err == nil {
		t.Fatal("expected ErrPortTaken on re-allocation")
	}
}

func TestAllocateSpecificRejectsOutOfRange(t *testing.T) {
	a := New(9000, 9010)
	if err := a.AllocateSpecific(80); err == nil {
		t.Fatal("expected ErrOutOfRange")
	}
}

func TestReleaseFreesPortForReuse(t *testing.T) {
	a := New(9000, 9000)
	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	a.Release(p)
	a.Release(p) // idempotent
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("expected released port to be reusable, got %v", err)
	}
}
