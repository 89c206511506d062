// Package ipfilter implements the CIDR allowlist described in spec
// §4.3/§8: an empty list accepts every address; a non-empty list
// accepts only addresses contained in at least one configured CIDR,
// v4 and v6 alike.
package ipfilter

import (
	"fmt"
	"net"
	"net/netip"
)

// Filter is a parsed CIDR allowlist. The zero value accepts all
// addresses (an empty filter, not a nil-pointer trap) so a route with
// no ip_allowlist configured behaves identically to one explicitly
// constructed with zero CIDRs.
type Filter struct {
	nets []netip.Prefix
}

// New parses each CIDR string in cidrs and returns a Filter. An empty
// or nil cidrs accepts all addresses.
func New(cidrs []string) (*Filter, error) {
	f := &Filter{nets: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("ipfilter: invalid cidr %q: %w", c, err)
		}
		f.nets = append(f.nets, p)
	}
	return f, nil
}

// Allow reports whether addr is permitted. An empty filter allows
// everything.
func (f *Filter) Allow(addr netip.Addr) bool {
	if f == nil || len(f.nets) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.nets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowString parses host (which may include a port) and evaluates
// Allow against it, for callers holding a net.Conn remote address as
// a string.
func (f *Filter) AllowString(hostport string) (bool, error) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false, fmt.Errorf("ipfilter: invalid address %q: %w", hostport, err)
	}
	return f.Allow(addr), nil
}
