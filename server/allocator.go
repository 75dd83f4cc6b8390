package server

import (
	"math/rand/v2"

	"github.com/c360/echomux/errors"
)

// sessionAllocator hands out unique session ids from a fixed range. Random
// probing keeps ids unpredictable; a linear scan guarantees the range is
// fully usable before exhaustion is reported.
type sessionAllocator struct {
	base  int
	count int
	used  map[int]struct{}
}

const allocatorProbeAttempts = 32

func newSessionAllocator(base, count int) (*sessionAllocator, error) {
	if count <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"sessionAllocator", "new", "non-positive range")
	}
	return &sessionAllocator{
		base:  base,
		count: count,
		used:  make(map[int]struct{}),
	}, nil
}

// Allocate reserves a free session id.
func (a *sessionAllocator) Allocate() (int, error) {
	if len(a.used) == a.count {
		return 0, errors.ErrSessionsExhausted
	}

	for i := 0; i < allocatorProbeAttempts; i++ {
		candidate := a.base + rand.IntN(a.count)
		if _, taken := a.used[candidate]; !taken {
			a.used[candidate] = struct{}{}
			return candidate, nil
		}
	}

	// Dense range; fall back to scanning.
	for candidate := a.base; candidate < a.base+a.count; candidate++ {
		if _, taken := a.used[candidate]; !taken {
			a.used[candidate] = struct{}{}
			return candidate, nil
		}
	}
	return 0, errors.ErrSessionsExhausted
}

// Free returns a session id to the allocator. Freeing an unallocated id is a
// no-op.
func (a *sessionAllocator) Free(id int) {
	delete(a.used, id)
}

// Allocated returns the number of ids currently reserved.
func (a *sessionAllocator) Allocated() int {
	return len(a.used)
}

// portAllocator hands out data/control port pairs from a fixed range. Ports
// here are numeric channel identifiers; a pair is always allocated and freed
// together.
type portAllocator struct {
	base  int
	count int
	used  map[int]struct{}
}

func newPortAllocator(base, count int) (*portAllocator, error) {
	if count < 2 {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"portAllocator", "new", "range smaller than one pair")
	}
	return &portAllocator{
		base:  base,
		count: count,
		used:  make(map[int]struct{}),
	}, nil
}

// AllocatePair reserves two adjacent ports (data, control).
func (a *portAllocator) AllocatePair() (int, int, error) {
	pairs := a.count / 2
	if len(a.used) >= pairs*2 {
		return 0, 0, errors.ErrPortsExhausted
	}

	tryPair := func(first int) (int, int, bool) {
		if _, taken := a.used[first]; taken {
			return 0, 0, false
		}
		a.used[first] = struct{}{}
		a.used[first+1] = struct{}{}
		return first, first + 1, true
	}

	for i := 0; i < allocatorProbeAttempts; i++ {
		first := a.base + 2*rand.IntN(pairs)
		if data, control, ok := tryPair(first); ok {
			return data, control, nil
		}
	}

	for first := a.base; first+1 < a.base+a.count; first += 2 {
		if data, control, ok := tryPair(first); ok {
			return data, control, nil
		}
	}
	return 0, 0, errors.ErrPortsExhausted
}

// FreePair returns a port pair to the allocator.
func (a *portAllocator) FreePair(data, control int) {
	delete(a.used, data)
	delete(a.used, control)
}
