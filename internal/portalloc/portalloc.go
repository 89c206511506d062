// Package portalloc implements the TCP port allocator used for TCP
// and reverse-tunnel bindings (spec §4.10/§2): pick a
// free port within an operator-configured range, optionally honoring
// a client-requested port.
package portalloc

import (
	"fmt"
	"sync"
)

// ErrRangeExhausted indicates every port in the configured range is
// currently allocated.
var ErrRangeExhausted = fmt.Errorf("portalloc: no free port in range")

// ErrPortTaken indicates a specifically requested port is already
// allocated.
type ErrPortTaken struct{ Port uint16 }

func (e *ErrPortTaken) Error() string { return fmt.Sprintf("portalloc: port %d already in use", e.Port) }

// ErrOutOfRange indicates a specifically requested port falls outside
// the configured allocation range.
type ErrOutOfRange struct{ Port, Min, Max uint16 }

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("portalloc: port %d outside allowed range [%d, %d]", e.Port, e.Min, e.Max)
}

// Allocator hands out TCP ports from [Min, Max] inclusive.
type Allocator struct {
	min, max uint16

	mu       sync.Mutex
	inUse    map[uint16]struct{}
	cursor   uint16
}

// New returns an Allocator over the inclusive range [min, max].
func New(min, max uint16) *Allocator {
	return &Allocator{min: min, max: max, inUse: make(map[uint16]struct{}), cursor: min}
}

// Allocate reserves and returns the next free port in the range,
// scanning forward from the last allocation to spread reuse evenly
// rather than always returning the lowest free port.
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := int(a.max) - int(a.min) + 1
	for i := 0; i < span; i++ {
		candidate := a.min + uint16((int(a.cursor-a.min)+i)%span)
		if _, taken := a.inUse[candidate]; !taken {
			a.inUse[candidate] = struct{}{}
			a.cursor = candidate + 1
			if a.cursor > a.max {
				a.cursor = a.min
			}
			return candidate, nil
		}
	}
	return 0, ErrRangeExhausted
}

// AllocateSpecific reserves exactly port, honoring a client-supplied
// port request (spec §4.6 "honoring optional client-supplied names").
func (a *Allocator) AllocateSpecific(port uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return &ErrOutOfRange{Port: port, Min: a.min, Max: a.max}
	}
	if _, taken := a.inUse[port]; taken {
		return &ErrPortTaken{Port: port}
	}
	a.inUse[port] = struct{}{}
	return nil
}

// Release frees port for reuse. Idempotent.
func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// InUse reports whether port is currently allocated.
func (a *Allocator) InUse(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inUse[port]
	return ok
}
