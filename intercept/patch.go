package intercept

import (
	"errors"
	"fmt"
)

// PatchCapacity is the longest patch a PatchBuffer can undo. It matches
// the longest x86 instruction.
const PatchCapacity = 16

var (
	// ErrPageBoundary is returned when a patch would run past the end of
	// the mapped page.
	ErrPageBoundary = errors.New("patch crosses page boundary")

	// ErrPatchTooLong is returned for patches longer than PatchCapacity.
	ErrPatchTooLong = errors.New("patch too long")

	// ErrPatched is returned when patching a buffer that still holds an
	// unrestored patch.
	ErrPatched = errors.New("patch already applied")
)

// PatchBuffer remembers the bytes a patch replaced so they can be put
// back. Patch and Restore are its only mutators.
type PatchBuffer struct {
	offset int
	n      int
	saved  [PatchCapacity]byte
}

// Patch saves the bytes of page at offset and overwrites them with b.
func (p *PatchBuffer) Patch(page []byte, offset int, b []byte) error {
	switch {
	case p.n != 0:
		return fmt.Errorf("patch at %#x: %w at %#x", offset, ErrPatched, p.offset)
	case len(b) == 0:
		return nil
	case len(b) > PatchCapacity:
		return fmt.Errorf("%d bytes: %w", len(b), ErrPatchTooLong)
	case offset < 0 || offset+len(b) > len(page):
		return fmt.Errorf("%d bytes at %#x of a %#x byte page: %w", len(b), offset, len(page), ErrPageBoundary)
	}

	p.offset = offset
	p.n = copy(p.saved[:], page[offset:offset+len(b)])
	copy(page[offset:], b)

	return nil
}

// Restore writes the saved bytes back. It reports whether anything was
// restored; calling it again is a no-op.
func (p *PatchBuffer) Restore(page []byte) bool {
	if p.n == 0 {
		return false
	}

	copy(page[p.offset:], p.saved[:p.n])
	p.n = 0

	return true
}

// Active reports whether a patch is applied.
func (p *PatchBuffer) Active() bool { return p.n != 0 }

// Offset is where the active patch starts.
func (p *PatchBuffer) Offset() int { return p.offset }

// Saved returns a copy of the bytes the active patch replaced.
func (p *PatchBuffer) Saved() []byte {
	return append([]byte(nil), p.saved[:p.n]...)
}
