package vmevent

import (
	"encoding/binary"
	"strings"
)

// AccessFlags describe the kind of a trapped memory access.
type AccessFlags uint32

const (
	AccessRead         AccessFlags = 1 << 0
	AccessWrite        AccessFlags = 1 << 1
	AccessExecute      AccessFlags = 1 << 2
	AccessGLAValid     AccessFlags = 1 << 3
	AccessFaultWithGLA AccessFlags = 1 << 4
	AccessFaultInGPT   AccessFlags = 1 << 5
)

func (f AccessFlags) String() string {
	var b strings.Builder

	for _, c := range []struct {
		bit AccessFlags
		ch  byte
	}{
		{AccessRead, 'r'},
		{AccessWrite, 'w'},
		{AccessExecute, 'x'},
	} {
		if f&c.bit != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}

	if f&AccessGLAValid != 0 {
		b.WriteString(",gla")
	}

	return b.String()
}

// MemAccess is the payload of ReasonMemAccess.
type MemAccess struct {
	GFN    uint64
	Offset uint64
	GLA    uint64
	Flags  AccessFlags
}

// MemAccess decodes the payload as a memory access record.
func (e *Event) MemAccess() MemAccess {
	return MemAccess{
		GFN:    binary.LittleEndian.Uint64(e.Payload[0:8]),
		Offset: binary.LittleEndian.Uint64(e.Payload[8:16]),
		GLA:    binary.LittleEndian.Uint64(e.Payload[16:24]),
		Flags:  AccessFlags(binary.LittleEndian.Uint32(e.Payload[24:28])),
	}
}

// SetMemAccess encodes m as the payload.
func (e *Event) SetMemAccess(m MemAccess) {
	e.Payload = [payloadSize]byte{}
	binary.LittleEndian.PutUint64(e.Payload[0:8], m.GFN)
	binary.LittleEndian.PutUint64(e.Payload[8:16], m.Offset)
	binary.LittleEndian.PutUint64(e.Payload[16:24], m.GLA)
	binary.LittleEndian.PutUint32(e.Payload[24:28], uint32(m.Flags))
}

// SingleStep is the payload of ReasonSingleStep.
type SingleStep struct {
	GFN uint64
}

// SingleStep decodes the payload as a single-step record.
func (e *Event) SingleStep() SingleStep {
	return SingleStep{GFN: binary.LittleEndian.Uint64(e.Payload[0:8])}
}

// SetSingleStep encodes s as the payload.
func (e *Event) SetSingleStep(s SingleStep) {
	e.Payload = [payloadSize]byte{}
	binary.LittleEndian.PutUint64(e.Payload[0:8], s.GFN)
}
