// Package vmevent describes the fixed-size records exchanged with the
// hypervisor over the vm_event ring. Requests and responses share one
// layout, which follows the hypervisor ABI byte for byte (little endian).
//
//	offset size
//	     0    4  version
//	     4    4  flags
//	     8    4  reason
//	    12    4  vcpu_id
//	    16    2  altp2m_idx
//	    18    6  padding
//	    24   32  reason payload (union)
//	    56  256  x86 register snapshot (union with emulation data)
package vmevent

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InterfaceVersion is the vm_event ABI revision this package encodes.
const InterfaceVersion uint32 = 0x00000003

const (
	headerSize  = 24
	payloadSize = 32
	dataSize    = 256

	// Size is the encoded size of one record.
	Size = headerSize + payloadSize + dataSize
)

// ErrShortBuffer is returned when a buffer cannot hold a full record.
var ErrShortBuffer = errors.New("buffer shorter than a vm_event record")

// Flags is the vm_event flag word.
type Flags uint32

const (
	FlagVCPUPaused       Flags = 1 << 0
	FlagForeign          Flags = 1 << 1
	FlagEmulate          Flags = 1 << 2
	FlagEmulateNoWrite   Flags = 1 << 3
	FlagToggleSingleStep Flags = 1 << 4
	FlagSetEmulReadData  Flags = 1 << 5
	FlagDeny             Flags = 1 << 6
	FlagAlternateP2M     Flags = 1 << 7
	FlagSetRegisters     Flags = 1 << 8
	FlagSetEmulInsnData  Flags = 1 << 9
	FlagGetNextInterrupt Flags = 1 << 10
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Event is a single ring record. The payload and register areas are kept
// raw; typed views are available through the accessor methods.
type Event struct {
	Version   uint32
	Flags     Flags
	Reason    Reason
	VCPUID    uint32
	AltP2MIdx uint16
	Payload   [payloadSize]byte
	Data      [dataSize]byte
}

// NewResponse builds the response envelope for req: current version, the
// requesting VCPU and reason, and only the paused bit of the request flags.
func NewResponse(req *Event) Event {
	return Event{
		Version: InterfaceVersion,
		VCPUID:  req.VCPUID,
		Flags:   req.Flags & FlagVCPUPaused,
		Reason:  req.Reason,
	}
}

// MarshalTo encodes e into b, which must hold at least Size bytes.
func (e *Event) MarshalTo(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("marshal %d bytes: %w", len(b), ErrShortBuffer)
	}

	binary.LittleEndian.PutUint32(b[0:4], e.Version)
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Flags))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.Reason))
	binary.LittleEndian.PutUint32(b[12:16], e.VCPUID)
	binary.LittleEndian.PutUint16(b[16:18], e.AltP2MIdx)

	for i := 18; i < headerSize; i++ {
		b[i] = 0
	}

	copy(b[headerSize:headerSize+payloadSize], e.Payload[:])
	copy(b[headerSize+payloadSize:Size], e.Data[:])

	return nil
}

// MarshalBinary returns the wire encoding of e.
func (e *Event) MarshalBinary() ([]byte, error) {
	b := make([]byte, Size)
	if err := e.MarshalTo(b); err != nil {
		return nil, err
	}

	return b, nil
}

// UnmarshalBinary decodes a record from b.
func (e *Event) UnmarshalBinary(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("unmarshal %d bytes: %w", len(b), ErrShortBuffer)
	}

	e.Version = binary.LittleEndian.Uint32(b[0:4])
	e.Flags = Flags(binary.LittleEndian.Uint32(b[4:8]))
	e.Reason = Reason(binary.LittleEndian.Uint32(b[8:12]))
	e.VCPUID = binary.LittleEndian.Uint32(b[12:16])
	e.AltP2MIdx = binary.LittleEndian.Uint16(b[16:18])
	copy(e.Payload[:], b[headerSize:headerSize+payloadSize])
	copy(e.Data[:], b[headerSize+payloadSize:Size])

	return nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s vcpu=%d flags=%#x altp2m=%d", e.Reason, e.VCPUID, uint32(e.Flags), e.AltP2MIdx)
}
