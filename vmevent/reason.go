package vmevent

import "fmt"

// Reason tells why the hypervisor raised an event.
type Reason uint32

const (
	ReasonUnknown            Reason = 0
	ReasonMemAccess          Reason = 1
	ReasonMemSharing         Reason = 2
	ReasonMemPaging          Reason = 3
	ReasonWriteCtrlReg       Reason = 4
	ReasonMovToMSR           Reason = 5
	ReasonSoftwareBreakpoint Reason = 6
	ReasonSingleStep         Reason = 7
	ReasonGuestRequest       Reason = 8
	ReasonDebugException     Reason = 9
	ReasonCPUID              Reason = 10
	ReasonPrivilegedCall     Reason = 11
	ReasonInterrupt          Reason = 12
	ReasonDescriptorAccess   Reason = 13
	ReasonEmulUnimplemented  Reason = 14

	// NumReasons bounds the enumeration.
	NumReasons = 15
)

var reasonNames = [NumReasons]string{
	"UNKNOWN",
	"MEM_ACCESS",
	"MEM_SHARING",
	"MEM_PAGING",
	"WRITE_CTRLREG",
	"MOV_TO_MSR",
	"SOFTWARE_BREAKPOINT",
	"SINGLESTEP",
	"GUEST_REQUEST",
	"DEBUG_EXCEPTION",
	"CPUID",
	"PRIVILEGED_CALL",
	"INTERRUPT",
	"DESCRIPTOR_ACCESS",
	"EMUL_UNIMPLEMENTED",
}

// Valid reports whether r is a reason this ABI revision defines.
func (r Reason) Valid() bool {
	return r < NumReasons
}

func (r Reason) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Reason(%d)", uint32(r))
	}

	return reasonNames[r]
}
