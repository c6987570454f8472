// Package ring implements the shared-memory request/response ring used by
// the vm_event interface.
//
// The page starts with a 64-byte header holding the four shared indices,
// followed by a power-of-two number of entry slots. Requests and responses
// share the slots: a slot is reused for the response once its request has
// been consumed.
//
//	offset 0   req_prod   written by the producer
//	offset 4   req_event  written by the consumer
//	offset 8   rsp_prod   written by the consumer
//	offset 12  rsp_event  written by the producer
//	offset 64  slot[0] ... slot[Size-1]
//
// Indices are free-running uint32 counters; a slot is index mod capacity.
// Every index is published only after the record it covers has been fully
// written, and a record is copied out before the consumer index moves.
package ring

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/xenmon/vmevent"
)

const (
	// PageSize is the size of the shared ring page.
	PageSize = 4096

	headerSize = 64

	offReqProd  = 0
	offReqEvent = 4
	offRspProd  = 8
	offRspEvent = 12
)

var (
	// ErrShortPage is returned when a page cannot hold the header and one slot.
	ErrShortPage = errors.New("ring page too small")

	// ErrEmpty is returned by Receive when no request is pending.
	ErrEmpty = errors.New("no pending request")

	// ErrOverrun means the producer index is further ahead than the ring holds.
	ErrOverrun = errors.New("producer overran the ring")

	// ErrNoRequest is returned by Send when every consumed request has
	// already been answered.
	ErrNoRequest = errors.New("response without an outstanding request")

	// ErrFull is returned by Front.Push when no slot is free.
	ErrFull = errors.New("ring full")

	// ErrVersionMismatch marks a consumed request that must not be answered.
	ErrVersionMismatch = errors.New("vm_event interface version mismatch")
)

// Capacity returns the number of slots a page of pageSize bytes holds.
func Capacity(pageSize int) uint32 {
	n := (pageSize - headerSize) / vmevent.Size
	if n <= 0 {
		return 0
	}

	c := uint32(1)
	for c*2 <= uint32(n) {
		c *= 2
	}

	return c
}

type shared struct {
	page []byte
	size uint32
}

func newShared(page []byte) (shared, error) {
	size := Capacity(len(page))
	if size == 0 {
		return shared{}, ErrShortPage
	}

	return shared{page: page, size: size}, nil
}

func (s *shared) index(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.page[off]))
}

func (s *shared) load(off int) uint32 {
	return atomic.LoadUint32(s.index(off))
}

func (s *shared) store(off int, v uint32) {
	atomic.StoreUint32(s.index(off), v)
}

func (s *shared) slot(idx uint32) []byte {
	off := headerSize + int(idx&(s.size-1))*vmevent.Size

	return s.page[off : off+vmevent.Size]
}
