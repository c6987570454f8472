package vmevent

import "encoding/binary"

// RegsX86 is the register snapshot the hypervisor attaches to x86 events.
// Field order matches the wire layout.
type RegsX86 struct {
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RFLAGS                                 uint64
	DR7                                    uint64
	RIP                                    uint64
	CR0, CR2, CR3, CR4                     uint64
	SysenterCS, SysenterESP, SysenterEIP   uint64
	MSREFER, MSRSTAR, MSRLSTAR             uint64
	FSBase, GSBase                         uint64
	CSArBytes                              uint32
}

func (r *RegsX86) words() []*uint64 {
	return []*uint64{
		&r.RAX, &r.RCX, &r.RDX, &r.RBX, &r.RSP, &r.RBP, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
		&r.RFLAGS, &r.DR7, &r.RIP,
		&r.CR0, &r.CR2, &r.CR3, &r.CR4,
		&r.SysenterCS, &r.SysenterESP, &r.SysenterEIP,
		&r.MSREFER, &r.MSRSTAR, &r.MSRLSTAR,
		&r.FSBase, &r.GSBase,
	}
}

// Regs decodes the x86 register snapshot.
func (e *Event) Regs() RegsX86 {
	var r RegsX86

	words := r.words()
	for i, w := range words {
		*w = binary.LittleEndian.Uint64(e.Data[i*8:])
	}

	r.CSArBytes = binary.LittleEndian.Uint32(e.Data[len(words)*8:])

	return r
}

// SetRegs encodes r as the register snapshot.
func (e *Event) SetRegs(r RegsX86) {
	e.Data = [dataSize]byte{}

	words := r.words()
	for i, w := range words {
		binary.LittleEndian.PutUint64(e.Data[i*8:], *w)
	}

	binary.LittleEndian.PutUint32(e.Data[len(words)*8:], r.CSArBytes)
}
