package ring

import (
	"fmt"

	"github.com/bobuhiro11/xenmon/vmevent"
)

// Front is the producing end of the ring, the role the hypervisor plays.
// The monitor never uses it against a live guest; it drives a Back in tests
// and replays.
type Front struct {
	shared
	reqProdPvt uint32
	rspCons    uint32
}

// Attach returns a front end on a page whose header was already set up by
// Init.
func Attach(page []byte) (*Front, error) {
	s, err := newShared(page)
	if err != nil {
		return nil, fmt.Errorf("attach ring of %d bytes: %w", len(page), err)
	}

	return &Front{
		shared:     s,
		reqProdPvt: s.load(offReqProd),
		rspCons:    s.load(offRspProd),
	}, nil
}

// Push writes req into the next free slot and publishes it.
func (f *Front) Push(req *vmevent.Event) error {
	if f.reqProdPvt-f.rspCons >= f.size {
		return ErrFull
	}

	if err := req.MarshalTo(f.slot(f.reqProdPvt)); err != nil {
		return err
	}

	f.reqProdPvt++
	f.store(offReqProd, f.reqProdPvt)

	return nil
}

// PushRaw publishes a slot whose bytes were written by the caller.
func (f *Front) PushRaw(raw []byte) error {
	if f.reqProdPvt-f.rspCons >= f.size {
		return ErrFull
	}

	copy(f.slot(f.reqProdPvt), raw)
	f.reqProdPvt++
	f.store(offReqProd, f.reqProdPvt)

	return nil
}

// Responses consumes every published response.
func (f *Front) Responses() ([]vmevent.Event, error) {
	var out []vmevent.Event

	prod := f.load(offRspProd)
	for ; f.rspCons != prod; f.rspCons++ {
		var ev vmevent.Event
		if err := ev.UnmarshalBinary(f.slot(f.rspCons)); err != nil {
			return out, err
		}

		out = append(out, ev)
	}

	f.store(offRspEvent, f.rspCons+1)

	return out, nil
}

// ReqEvent is the index at which the consumer wants the next notification.
func (f *Front) ReqEvent() uint32 { return f.load(offReqEvent) }

// SetReqProd overwrites the published producer index without writing any
// slot, as a misbehaving producer would.
func (f *Front) SetReqProd(v uint32) {
	f.reqProdPvt = v
	f.store(offReqProd, v)
}
