package intercept

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// disasm renders the instruction at the start of b in GNU syntax, or the
// raw bytes when they do not decode.
func disasm(b []byte, pc uint64) string {
	if len(b) > PatchCapacity {
		b = b[:PatchCapacity]
	}

	d, err := x86asm.Decode(b, 64)
	if err != nil {
		return fmt.Sprintf("% x", b)
	}

	return x86asm.GNUSyntax(d, pc, nil)
}
