// Package probe checks that the host can run the monitor: the Xen device
// nodes, the toolstack libraries and a control domain.
package probe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/xenmon/xen"
	"golang.org/x/sys/unix"
)

const capabilities = "/proc/xen/capabilities"

var (
	ErrNotControlDomain = errors.New("not running in the control domain")

	// ErrUnsupported is returned by Report when a check failed.
	ErrUnsupported = errors.New("host does not support introspection")
)

// Check is one host prerequisite.
type Check struct {
	Name string
	Fn   func() error
}

// Host returns the checks for the running host.
func Host() []Check {
	return []Check{
		{Name: "event channel device", Fn: device("/dev/xen/evtchn")},
		{Name: "privcmd device", Fn: device("/dev/xen/privcmd")},
		{Name: "libxenctrl", Fn: xen.LoadControl},
		{Name: "libxenstore", Fn: xen.LoadStore},
		{Name: "control domain", Fn: func() error { return controlDomain(capabilities) }},
	}
}

func device(path string) func() error {
	return func() error {
		if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		return nil
	}
}

func controlDomain(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if !bytes.Contains(b, []byte("control_d")) {
		return ErrNotControlDomain
	}

	return nil
}

// Report runs every check, prints one line per check to w and fails if
// any check did.
func Report(w io.Writer, checks []Check) error {
	failed := 0

	for _, c := range checks {
		if err := c.Fn(); err != nil {
			failed++

			fmt.Fprintf(w, "FAIL %s: %v\n", c.Name, err)

			continue
		}

		fmt.Fprintf(w, "ok   %s\n", c.Name)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed: %w", failed, len(checks), ErrUnsupported)
	}

	return nil
}
