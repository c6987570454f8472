package probe_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bobuhiro11/xenmon/probe"
	"github.com/stretchr/testify/assert"
)

func TestReport(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	err := probe.Report(&out, []probe.Check{
		{Name: "first", Fn: func() error { return nil }},
		{Name: "second", Fn: func() error { return errors.New("missing") }},
		{Name: "third", Fn: func() error { return nil }},
	})

	assert.ErrorIs(t, err, probe.ErrUnsupported)
	assert.Equal(t, "ok   first\nFAIL second: missing\nok   third\n", out.String())
}

func TestReportAllPass(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	assert.NoError(t, probe.Report(&out, []probe.Check{{Name: "only", Fn: func() error { return nil }}}))
	assert.Equal(t, "ok   only\n", out.String())
}

func TestHost(t *testing.T) {
	t.Parallel()

	names := []string{}
	for _, c := range probe.Host() {
		assert.NotNil(t, c.Fn, c.Name)
		names = append(names, c.Name)
	}

	assert.Contains(t, names, "libxenctrl")
	assert.Contains(t, names, "control domain")
}
