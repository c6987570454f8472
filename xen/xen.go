// Package xen binds the parts of the Xen toolstack the monitor consumes:
// the control library (libxenctrl) and the store library (libxenstore) are
// loaded at run time with purego, and event channels are driven directly
// through the /dev/xen/evtchn ioctls.
package xen

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// PageSize is the guest page size.
const PageSize = 4096

// DomainID identifies a guest.
type DomainID uint32

// Access is a page access right set (xenmem_access_t).
type Access uint32

const (
	AccessN     Access = 0
	AccessR     Access = 1
	AccessW     Access = 2
	AccessRW    Access = 3
	AccessX     Access = 4
	AccessRX    Access = 5
	AccessWX    Access = 6
	AccessRWX   Access = 7
	AccessRX2RW Access = 8
	AccessN2RWX Access = 9
	AccessDef   Access = 10
)

var accessNames = [...]string{"n", "r", "w", "rw", "x", "rx", "wx", "rwx", "rx2rw", "n2rwx", "default"}

func (a Access) String() string {
	if int(a) < len(accessNames) {
		return accessNames[a]
	}

	return fmt.Sprintf("Access(%d)", uint32(a))
}

var (
	// ErrLibrary is returned when a toolstack library or symbol is missing.
	ErrLibrary = errors.New("xen library unavailable")

	// ErrNullPointer is returned when a call that yields a pointer fails.
	ErrNullPointer = errors.New("call returned NULL")
)

// Error is a failed toolstack call.
type Error struct {
	Op    string
	Code  int32
	Errno unix.Errno
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: rc=%d: %v", e.Op, e.Code, e.Errno)
	}

	return fmt.Sprintf("%s: rc=%d", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}

	return e.Errno
}

var libcErrno func() unsafe.Pointer

func openLib(names ...string) (uintptr, error) {
	var errs []error

	for _, name := range names {
		candidates := []string{name}
		if m, _ := filepath.Glob("/usr/lib*/" + name + ".*"); len(m) > 0 {
			candidates = append(candidates, m...)
		}

		for _, c := range candidates {
			h, err := purego.Dlopen(c, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				return h, nil
			}

			errs = append(errs, err)
		}
	}

	return 0, fmt.Errorf("%v: %w", errors.Join(errs...), ErrLibrary)
}

// bind resolves each symbol into the function variable next to it.
func bind(lib uintptr, syms map[string]any) error {
	for name, fptr := range syms {
		sym, err := purego.Dlsym(lib, name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, ErrLibrary)
		}

		purego.RegisterFunc(fptr, sym)
	}

	return nil
}

var (
	libcOnce sync.Once
	libcErr  error
	libcFree func(unsafe.Pointer)
)

func loadLibc() error {
	libcOnce.Do(func() {
		libc, err := openLib("libc.so.6")
		if err != nil {
			libcErr = err

			return
		}

		libcErr = bind(libc, map[string]any{
			"__errno_location": &libcErrno,
			"free":             &libcFree,
		})
	})

	return libcErr
}

func errno() unix.Errno {
	if libcErrno == nil {
		return 0
	}

	p := libcErrno()
	if p == nil {
		return 0
	}

	return unix.Errno(*(*int32)(p))
}

// unmap releases a mapping made by libxenctrl. unix.Munmap only accepts
// slices it mapped itself and fails with EINVAL on these.
func unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	_, _, e := unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), 0)
	if e != 0 {
		return e
	}

	return nil
}

// call runs f on a locked thread so errno still belongs to it afterwards.
func call(op string, f func() int32) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if rc := f(); rc < 0 {
		return &Error{Op: op, Code: rc, Errno: errno()}
	}

	return nil
}
