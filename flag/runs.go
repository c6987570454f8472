package flag

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/xenmon/monitor"
	"github.com/bobuhiro11/xenmon/probe"
	"github.com/bobuhiro11/xenmon/xen"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	programName = "xenmon"
	programDesc = "xenmon monitors a Xen guest through vm_event and reports whether the traps fired"
)

// Env is what the commands run against.
type Env struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Backend monitor.Backend

	// Logger replaces the logger built from the verbosity flag.
	Logger *zap.Logger

	// Checks replaces the host checks of the probe command.
	Checks []probe.Check

	ctx    context.Context
	status monitor.Status
}

// exit carries a kong exit request out of the parser.
type exit int

// Main parses args, runs the selected command and returns the process exit
// code. Parse errors and -h return through kong's exit hook.
func Main(ctx context.Context, args []string, env *Env) (code int) {
	var cli CLI

	env.ctx = ctx
	env.status = monitor.StatusError

	parser, err := kong.New(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.Configuration(YAML),
		kong.Writers(env.Stdout, env.Stderr),
		kong.Exit(func(c int) { panic(exit(c)) }),
		kong.Bind(env))
	if err != nil {
		fmt.Fprintf(env.Stderr, "%s: %v\n", programName, err)

		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			c, ok := r.(exit)
			if !ok {
				panic(r)
			}

			code = int(c)
		}
	}()

	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(env.Stderr, "%s: error: %v\n", programName, err)

		return 1
	}

	return env.status.ExitCode()
}

// Run is the entry point of the xenmon binary.
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Main(ctx, args, &Env{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Backend: monitor.XenBackend{},
	})
}

func (p *ProbeCmd) Run(env *Env) error {
	checks := env.Checks
	if checks == nil {
		checks = probe.Host()
	}

	if err := probe.Report(env.Stdout, checks); err != nil {
		return err
	}

	env.status = monitor.StatusSuccess

	return nil
}

func (e *Env) logger(verbose int) (*zap.Logger, error) {
	if e.Logger != nil {
		return e.Logger, nil
	}

	logConfig := zap.NewProductionConfig()
	if verbose > 0 {
		logConfig = zap.NewDevelopmentConfig()
	}

	return logConfig.Build()
}

// session runs one scenario against dom and prints the harness result line.
func (e *Env) session(g *Globals, dom uint32, sc monitor.Scenario) error {
	log, err := e.logger(g.Verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	defer func() { _ = log.Sync() }()

	if g.Profile != "" {
		defer profile.Start(
			profile.ProfilePath(g.Profile),
			profile.NoShutdownHook,
			profile.Quiet).Stop()
	}

	reg := prometheus.NewRegistry()

	if g.MetricsAddr != "" {
		l, err := net.Listen("tcp", g.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen for metrics: %w", err)
		}

		srv := monitor.ServeMetrics(l, reg, log.Named("metrics"))
		defer srv.Close()
	}

	s := monitor.New(monitor.Config{
		Domain:       xen.DomainID(dom),
		PollInterval: g.PollInterval,
		Registerer:   reg,
	}, e.Backend, sc, log)

	e.status = s.Run(e.ctx)

	fmt.Fprintf(e.Stdout, "Test result: %s\n", e.status)

	return nil
}
