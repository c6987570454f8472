package flag

import (
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/xenmon/scenario"
)

// Globals are accepted by every command.
type Globals struct {
	Verbose      int             `short:"v" type:"counter" help:"Increase log verbosity (repeatable)."`
	PollInterval time.Duration   `default:"100ms" help:"Upper bound on one wait for ring notifications."`
	MetricsAddr  string          `help:"Serve Prometheus metrics on this address, e.g. 127.0.0.1:9108."`
	Profile      string          `type:"path" help:"Write a CPU profile into this directory."`
	Config       kong.ConfigFlag `short:"c" help:"Read flag defaults from a YAML file."`
}

// Common is shared by the scenario commands.
type Common struct {
	DomainID uint32 `arg:"" name:"domid" help:"Domain ID of the guest to monitor."`
}

// AddressFlags selects the guest virtual address a scenario watches.
type AddressFlags struct {
	Address string `short:"a" required:"" help:"Guest virtual address, e.g. 0x105040."`
}

type MemAccessCmd struct {
	Common
	AddressFlags
}

type EmulUnimplCmd struct {
	Common
	AddressFlags
}

type EmulInjIntrCmd struct {
	Common
	AddressFlags
}

type AltP2MMultiCmd struct {
	Common
	AddressFlags

	Pages int `default:"1" help:"Number of consecutive pages to restrict."`
}

type ProbeCmd struct{}

// CLI is the xenmon command tree.
type CLI struct {
	Globals

	MemAccess   MemAccessCmd   `cmd:"" name:"mem-access" help:"Trap accesses to a page and grant them back."`
	EmulUnimpl  EmulUnimplCmd  `cmd:"" name:"emul-unimpl" help:"Intercept one instruction on every approach."`
	EmulInjIntr EmulInjIntrCmd `cmd:"" name:"emul-inj-intr" help:"Emulate every access to a page."`
	AltP2MMulti AltP2MMultiCmd `cmd:"" name:"altp2m-mem-access-multi" help:"Restrict pages in an alternate view with one batched call."`
	Probe       ProbeCmd       `cmd:"" help:"Check the host for Xen introspection support."`
}

func (c *MemAccessCmd) Run(g *Globals, env *Env) error {
	addr, err := ParseAddress(c.Address)
	if err != nil {
		return err
	}

	return env.session(g, c.DomainID, scenario.NewMemAccess(addr))
}

func (c *EmulUnimplCmd) Run(g *Globals, env *Env) error {
	addr, err := ParseAddress(c.Address)
	if err != nil {
		return err
	}

	return env.session(g, c.DomainID, scenario.NewEmulUnimpl(addr))
}

func (c *EmulInjIntrCmd) Run(g *Globals, env *Env) error {
	addr, err := ParseAddress(c.Address)
	if err != nil {
		return err
	}

	return env.session(g, c.DomainID, scenario.NewEmulInjIntr(addr))
}

func (c *AltP2MMultiCmd) Run(g *Globals, env *Env) error {
	addr, err := ParseAddress(c.Address)
	if err != nil {
		return err
	}

	return env.session(g, c.DomainID, scenario.NewAltP2MMulti(addr, c.Pages))
}
