package intercept_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/xenmon/intercept"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchBuffer(t *testing.T) {
	t.Parallel()

	page := bytes.Repeat([]byte{0x90}, 64)
	orig := append([]byte(nil), page...)

	var p intercept.PatchBuffer

	assert.False(t, p.Restore(page))

	require.NoError(t, p.Patch(page, 10, intercept.Placeholder[:]))
	assert.True(t, p.Active())
	assert.Equal(t, 10, p.Offset())
	assert.Equal(t, orig[10:15], p.Saved())
	assert.Equal(t, intercept.Placeholder[:], page[10:15])

	require.ErrorIs(t, p.Patch(page, 20, intercept.Placeholder[:]), intercept.ErrPatched)

	assert.True(t, p.Restore(page))
	assert.Equal(t, orig, page)
	assert.False(t, p.Restore(page))
	assert.Equal(t, orig, page)
}

func TestPatchBufferRejects(t *testing.T) {
	t.Parallel()

	page := make([]byte, 32)

	var p intercept.PatchBuffer

	require.ErrorIs(t, p.Patch(page, 30, intercept.Placeholder[:]), intercept.ErrPageBoundary)
	require.ErrorIs(t, p.Patch(page, -1, intercept.Placeholder[:]), intercept.ErrPageBoundary)
	require.ErrorIs(t, p.Patch(page, 0, make([]byte, intercept.PatchCapacity+1)), intercept.ErrPatchTooLong)
	assert.False(t, p.Active())
	assert.Equal(t, make([]byte, 32), page)
}
