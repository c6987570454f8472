package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAddress parses a guest virtual address. The number can be in any
// base strconv accepts, so 0x105040, 0o4020100 and 1069120 are the same
// address. An optional trailing h marks hex without the 0x prefix.
func ParseAddress(s string) (uint64, error) {
	num, base := strings.TrimSpace(s), 0
	if trimmed, ok := strings.CutSuffix(num, "h"); ok {
		num, base = trimmed, 16
	}

	if len(num) == 0 {
		return 0, fmt.Errorf("%q:can't parse as address:%w", s, strconv.ErrSyntax)
	}

	addr, err := strconv.ParseUint(num, base, 64)
	if err != nil {
		return 0, fmt.Errorf("%q:can't parse as address:%w", s, err)
	}

	if addr == 0 {
		return 0, fmt.Errorf("%q:address must not be zero:%w", s, strconv.ErrRange)
	}

	return addr, nil
}
