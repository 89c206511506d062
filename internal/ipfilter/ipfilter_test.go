package ipfilter

import (
	"net/netip"
	"testing"
)

func TestEmptyFilterAllowsAll(t *testing.T) {
	f, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Allow(netip.MustParseAddr("203.0.113.7")) {
		t.Fatal("empty filter must allow every address")
	}
	if !f.Allow(netip.MustParseAddr("::1")) {
		t.Fatal("empty filter must allow every v6 address")
	}
}

func TestFilterMatchesV4AndV6(t *testing.T) {
	f, err := New([]string{"10.0.0.0/8", "2001:db8::/32"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}
	for _, tc := range cases {
		got := f.Allow(netip.MustParseAddr(tc.addr))
		if got != tc.want {
			t.Errorf("Allow(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestNewRejectsInvalidCIDR(t *testing.T) {
	if _, err := New([]string{"not-a-cidr"}); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestAllowStringStripsPort(t *testing.T) {
	f, err := New([]string{"192.168.0.0/16"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.AllowString("192.168.1.5:54321")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected 192.168.1.5 to be allowed")
	}
	ok, err = f.AllowString("8.8.8.8:443")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected 8.8.8.8 to be rejected")
	}
}
