package flag_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/xenmon/flag"
	"github.com/bobuhiro11/xenmon/probe"
	"github.com/bobuhiro11/xenmon/vmevent"
	"github.com/bobuhiro11/xenmon/xentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want uint64
		err  error
	}{
		{in: "0x105040", want: 0x105040},
		{in: "105040h", want: 0x105040},
		{in: "1073216", want: 0x105040},
		{in: " 0xffffffff81000000 ", want: 0xffffffff81000000},
		{in: "0", err: strconv.ErrRange},
		{in: "h", err: strconv.ErrSyntax},
		{in: "", err: strconv.ErrSyntax},
		{in: "0xzz", err: strconv.ErrSyntax},
		{in: "0x1ffffffffffffffff", err: strconv.ErrRange},
	} {
		got, err := flag.ParseAddress(tt.in)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.in)

			continue
		}

		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func env(t *testing.T, b *xentest.Backend) (*flag.Env, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	return &flag.Env{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Backend: b,
		Logger:  zaptest.NewLogger(t),
	}, &stdout, &stderr
}

func TestMainMemAccess(t *testing.T) {
	t.Parallel()

	b := xentest.NewBackend(t)
	b.Replay(xentest.MemAccess(0, 0x105, 0x105040, vmevent.AccessExecute))

	e, stdout, _ := env(t, b)

	code := flag.Main(context.Background(), []string{"mem-access", "-a", "0x105040", "3"}, e)
	require.NoError(t, b.Err())

	assert.Equal(t, 0, code)
	assert.Equal(t, "Test result: SUCCESS\n", stdout.String())
	assert.Len(t, b.Responses(), 1)
}

func TestMainEmulInjIntr(t *testing.T) {
	t.Parallel()

	b := xentest.NewBackend(t)
	b.Replay(xentest.MemAccess(0, 0x105, 0x105040, vmevent.AccessExecute))

	e, stdout, _ := env(t, b)

	code := flag.Main(context.Background(), []string{"emul-inj-intr", "-a", "0x105040", "3"}, e)
	require.NoError(t, b.Err())

	assert.Equal(t, 0, code)
	assert.Equal(t, "Test result: SUCCESS\n", stdout.String())

	rsps := b.Responses()
	require.Len(t, rsps, 1)
	assert.True(t, rsps[0].Flags.Has(vmevent.FlagEmulate))
}

func TestMainFailureExitCode(t *testing.T) {
	t.Parallel()

	b := xentest.NewBackend(t)
	b.Replay()

	e, stdout, _ := env(t, b)

	code := flag.Main(context.Background(), []string{"emul-unimpl", "--address=0x105040", "3"}, e)

	assert.Equal(t, 1, code)
	assert.Equal(t, "Test result: FAILURE\n", stdout.String())
}

func TestMainConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "xenmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: 0x105040\npoll_interval: 1s\n"), 0o600))

	b := xentest.NewBackend(t)
	b.Replay(xentest.MemAccess(0, 0x105, 0x105040, vmevent.AccessRead))

	e, stdout, _ := env(t, b)

	code := flag.Main(context.Background(), []string{"--config", path, "mem-access", "3"}, e)

	assert.Equal(t, 0, code)
	assert.Equal(t, "Test result: SUCCESS\n", stdout.String())
}

func TestMainUsage(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		args []string
		code int
	}{
		{name: "help", args: []string{"--help"}, code: 0},
		{name: "no command", args: nil, code: 1},
		{name: "missing address", args: []string{"mem-access", "3"}, code: 1},
		{name: "bad domid", args: []string{"mem-access", "-a", "0x1000", "dom0"}, code: 1},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, stdout, stderr := env(t, xentest.NewBackend(t))

			assert.Equal(t, tt.code, flag.Main(context.Background(), tt.args, e))
			assert.NotContains(t, stdout.String(), "Test result")
			assert.NotEmpty(t, stdout.String()+stderr.String())
		})
	}
}

func TestMainBadAddress(t *testing.T) {
	t.Parallel()

	b := xentest.NewBackend(t)
	e, stdout, stderr := env(t, b)

	assert.Equal(t, 1, flag.Main(context.Background(), []string{"mem-access", "-a", "0", "3"}, e))
	assert.Contains(t, stderr.String(), "address must not be zero")
	assert.Empty(t, stdout.String())
	assert.Empty(t, b.Control.Calls())
}

func TestMainProbe(t *testing.T) {
	t.Parallel()

	ok := func() error { return nil }

	e, stdout, _ := env(t, xentest.NewBackend(t))
	e.Checks = []probe.Check{{Name: "libxenctrl", Fn: ok}}

	assert.Equal(t, 0, flag.Main(context.Background(), []string{"probe"}, e))
	assert.Equal(t, "ok   libxenctrl\n", stdout.String())

	e, _, stderr := env(t, xentest.NewBackend(t))
	e.Checks = []probe.Check{{Name: "libxenctrl", Fn: func() error { return errors.New("not found") }}}

	assert.Equal(t, 1, flag.Main(context.Background(), []string{"probe"}, e))
	assert.Contains(t, stderr.String(), probe.ErrUnsupported.Error())
}

func TestYAMLResolver(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "xenmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll-interval: 250ms\npages: 4\nmetrics_addr: 127.0.0.1:9108\n"), 0o600))

	var cli flag.CLI

	parser, err := kong.New(&cli, kong.Configuration(flag.YAML, path))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"altp2m-mem-access-multi", "-a", "0x1000", "7"})
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cli.PollInterval)
	assert.Equal(t, "127.0.0.1:9108", cli.MetricsAddr)
	assert.Equal(t, 4, cli.AltP2MMulti.Pages)
	assert.Equal(t, uint32(7), cli.AltP2MMulti.DomainID)
	assert.Equal(t, "0x1000", cli.AltP2MMulti.Address)
}

func TestYAMLRejectsNested(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "xenmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pages:\n  - 1\n"), 0o600))

	var cli flag.CLI

	parser, err := kong.New(&cli, kong.Configuration(flag.YAML, path))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"altp2m-mem-access-multi", "-a", "0x1000", "7"})
	assert.Error(t, err)
}
