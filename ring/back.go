package ring

import (
	"fmt"

	"github.com/bobuhiro11/xenmon/vmevent"
)

// Back is the consuming end of the ring: it takes requests and returns
// responses. It is not safe for concurrent use.
type Back struct {
	shared
	reqCons    uint32
	rspProdPvt uint32
}

// Init resets the shared header of page and returns the back end attached
// to it.
func Init(page []byte) (*Back, error) {
	s, err := newShared(page)
	if err != nil {
		return nil, fmt.Errorf("init ring of %d bytes: %w", len(page), err)
	}

	s.store(offReqProd, 0)
	s.store(offRspProd, 0)
	s.store(offReqEvent, 1)
	s.store(offRspEvent, 1)

	for i := 16; i < headerSize; i++ {
		page[i] = 0
	}

	return &Back{shared: s}, nil
}

// Size is the number of slots.
func (b *Back) Size() uint32 { return b.size }

// ReqCons is the index of the next request to consume.
func (b *Back) ReqCons() uint32 { return b.reqCons }

// RspProd is the index of the next response slot to fill.
func (b *Back) RspProd() uint32 { return b.rspProdPvt }

// Unconsumed returns how many requests the producer has published that have
// not been consumed yet.
func (b *Back) Unconsumed() uint32 {
	return b.load(offReqProd) - b.reqCons
}

// HasPending reports whether a request can be consumed now. A request is
// only available if its slot is not still owed a response.
func (b *Back) HasPending() bool {
	req := b.Unconsumed()
	rsp := b.size - (b.reqCons - b.rspProdPvt)

	return min(req, rsp) > 0
}

// Receive copies the next request out of the ring and then advances the
// consumer index. A request carrying a foreign interface version is still
// consumed and is returned with ErrVersionMismatch; it must not be answered.
func (b *Back) Receive() (vmevent.Event, error) {
	var ev vmevent.Event

	if n := b.Unconsumed(); n > b.size {
		return ev, fmt.Errorf("%d unconsumed requests in %d slots: %w", n, b.size, ErrOverrun)
	}

	if !b.HasPending() {
		return ev, ErrEmpty
	}

	if err := ev.UnmarshalBinary(b.slot(b.reqCons)); err != nil {
		return ev, err
	}

	b.reqCons++
	b.store(offReqEvent, b.reqCons+1)

	if ev.Version != vmevent.InterfaceVersion {
		return ev, fmt.Errorf("request %d has version %#x, want %#x: %w",
			b.reqCons-1, ev.Version, vmevent.InterfaceVersion, ErrVersionMismatch)
	}

	return ev, nil
}

// Send writes rsp into the next response slot and publishes it.
func (b *Back) Send(rsp *vmevent.Event) error {
	if b.rspProdPvt == b.reqCons {
		return ErrNoRequest
	}

	if err := rsp.MarshalTo(b.slot(b.rspProdPvt)); err != nil {
		return err
	}

	b.rspProdPvt++
	b.store(offRspProd, b.rspProdPvt)

	return nil
}
