package xen

import (
	"fmt"
	"sync"
	"unsafe"
)

// ReleaseDomainPath is the special watch path fired whenever a guest is
// destroyed.
const ReleaseDomainPath = "@releaseDomain"

const xsOpenReadOnly = 1 << 0

var (
	storeOnce sync.Once
	storeErr  error

	xsOpen               func(flags uint64) uintptr
	xsClose              func(h uintptr)
	xsWatch              func(h uintptr, path, token string) bool
	xsUnwatch            func(h uintptr, path, token string) bool
	xsFileno             func(h uintptr) int32
	xsCheckWatch         func(h uintptr) unsafe.Pointer
	xsIsDomainIntroduced func(h uintptr, dom uint32) bool
)

// LoadStore resolves libxenstore. It is safe to call more than once.
func LoadStore() error {
	storeOnce.Do(func() {
		if storeErr = loadLibc(); storeErr != nil {
			return
		}

		lib, err := openLib("libxenstore.so")
		if err != nil {
			storeErr = err

			return
		}

		storeErr = bind(lib, map[string]any{
			"xs_open":                 &xsOpen,
			"xs_close":                &xsClose,
			"xs_watch":                &xsWatch,
			"xs_unwatch":              &xsUnwatch,
			"xs_fileno":               &xsFileno,
			"xs_check_watch":          &xsCheckWatch,
			"xs_is_domain_introduced": &xsIsDomainIntroduced,
		})
	})

	return storeErr
}

// Store is a read-only xenstore connection watching for a guest to go
// away.
type Store struct {
	h     uintptr
	dom   DomainID
	token string
	fd    int
}

// OpenStore opens a read-only connection and watches ReleaseDomainPath on
// behalf of dom.
func OpenStore(dom DomainID) (*Store, error) {
	if err := LoadStore(); err != nil {
		return nil, err
	}

	h := xsOpen(xsOpenReadOnly)
	if h == 0 {
		return nil, fmt.Errorf("xs_open: %w", ErrNullPointer)
	}

	s := &Store{h: h, dom: dom, token: fmt.Sprintf("xenmon-%d", dom)}

	if err := call("xs_watch", func() int32 { return status(xsWatch(h, ReleaseDomainPath, s.token)) }); err != nil {
		xsClose(h)

		return nil, err
	}

	var fd int32

	err := call("xs_fileno", func() int32 {
		fd = xsFileno(h)

		return fd
	})
	if err != nil {
		xsUnwatch(h, ReleaseDomainPath, s.token)
		xsClose(h)

		return nil, err
	}

	s.fd = int(fd)

	return s, nil
}

// Fd returns the descriptor that becomes readable when a watch fires.
func (s *Store) Fd() int { return s.fd }

// Drain consumes every queued watch event.
func (s *Store) Drain() error {
	for {
		p := xsCheckWatch(s.h)
		if p == nil {
			return nil
		}

		libcFree(p)
	}
}

// Introduced reports whether the guest still exists.
func (s *Store) Introduced() (bool, error) {
	return xsIsDomainIntroduced(s.h, uint32(s.dom)), nil
}

// Close removes the watch and closes the connection.
func (s *Store) Close() error {
	if s.h == 0 {
		return nil
	}

	err := call("xs_unwatch", func() int32 { return status(xsUnwatch(s.h, ReleaseDomainPath, s.token)) })

	xsClose(s.h)
	s.h = 0

	return err
}

// status maps a libxenstore boolean result to a C return code.
func status(ok bool) int32 {
	if ok {
		return 0
	}

	return -1
}
