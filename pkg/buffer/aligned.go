// Package buffer provides the fixed-capacity scratch buffer and the bounded
// frame queue used by the transport layer.
package buffer

import (
	"unsafe"

	"github.com/c360/echomux/errors"
)

// Aligned is a fixed-capacity byte scratch buffer whose backing storage starts
// on a configurable alignment boundary. A session owns exactly one Aligned
// buffer for encoding outbound frames, so no internal locking is needed; the
// owner's execution affinity is the serialization point.
type Aligned struct {
	data  []byte
	align int
}

// NewAligned allocates a scratch buffer of the given capacity whose first byte
// is aligned to align bytes. align must be a power of two.
func NewAligned(capacity, align int) (*Aligned, error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"buffer", "NewAligned", "non-positive capacity")
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"buffer", "NewAligned", "alignment not a power of two")
	}

	raw := make([]byte, capacity+align-1)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}

	return &Aligned{
		data:  raw[off : off+capacity],
		align: align,
	}, nil
}

// Put copies s into the buffer and returns the filled prefix. The returned
// slice aliases the buffer and is only valid until the next Put.
func (a *Aligned) Put(s string) ([]byte, error) {
	if len(s) > len(a.data) {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"buffer", "Put", "payload exceeds buffer capacity")
	}
	n := copy(a.data, s)
	return a.data[:n], nil
}

// Capacity returns the usable size of the buffer in bytes.
func (a *Aligned) Capacity() int {
	return len(a.data)
}

// Alignment returns the alignment guarantee of the backing storage.
func (a *Aligned) Alignment() int {
	return a.align
}
