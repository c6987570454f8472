package monitor_test

import (
	"testing"

	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(_, _ *vmevent.Event) error { return nil }

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := monitor.NewRegistry()

	require.NoError(t, r.Register(vmevent.ReasonSingleStep, nop))
	require.NoError(t, r.Register(vmevent.ReasonMemAccess, nop))

	_, ok := r.Lookup(vmevent.ReasonSingleStep)
	assert.True(t, ok)

	_, ok = r.Lookup(vmevent.ReasonCPUID)
	assert.False(t, ok)

	_, ok = r.Lookup(vmevent.Reason(200))
	assert.False(t, ok)

	assert.Equal(t, []vmevent.Reason{vmevent.ReasonMemAccess, vmevent.ReasonSingleStep}, r.Reasons())
}

func TestRegistryRejects(t *testing.T) {
	t.Parallel()

	r := monitor.NewRegistry()

	require.NoError(t, r.Register(vmevent.ReasonMemAccess, nop))
	require.ErrorIs(t, r.Register(vmevent.ReasonMemAccess, nop), monitor.ErrInvalidHandler)
	require.ErrorIs(t, r.Register(vmevent.ReasonCPUID, nil), monitor.ErrInvalidHandler)
	require.ErrorIs(t, r.Register(vmevent.NumReasons, nop), monitor.ErrInvalidHandler)

	r.Seal()
	require.ErrorIs(t, r.Register(vmevent.ReasonCPUID, nop), monitor.ErrSealed)

	_, ok := r.Lookup(vmevent.ReasonMemAccess)
	assert.True(t, ok)
}
