// Package vramdev exports a fixed physical memory window (the legacy
// VGA text-mode framebuffer by default) as a device file. The driver
// validates every mapping request against its configured window before
// committing it to a physical-memory backing; once a mapping is
// established, callers touch the frames directly and the driver is out
// of the data path.
package vramdev

import (
	"errors"
	"fmt"
	"os"
)

// Default window geometry: the VGA text-mode framebuffer.
const (
	DefaultPhysBase uint64 = 0xB8000
	DefaultSize     uint64 = 0x4000 // 16 KiB
)

var (
	// ErrOutOfWindow reports a mapping request that would expose
	// memory outside the configured window. Nothing is installed.
	ErrOutOfWindow = errors.New("mapping exceeds physical window")

	// ErrMapFailed reports that the backing could not install an
	// already-validated mapping. The driver state is unaffected.
	ErrMapFailed = errors.New("mapping installation failed")

	// ErrNotRegistered reports use of the device before Register or
	// after Unregister.
	ErrNotRegistered = errors.New("device not registered")
)

// Window is the authoritative description of the physical region the
// driver is willing to expose. It is built once at driver load from
// the phys_addr/vsize parameters and is immutable afterwards; every
// request handler validates against the same value.
type Window struct {
	physBase uint64
	size     uint64
	pageSize uint64
}

// NewWindow builds a window over size bytes of physical memory at
// physBase. Zero values select the VGA text-mode defaults.
func NewWindow(physBase, size uint64) *Window {
	if physBase == 0 {
		physBase = DefaultPhysBase
	}
	if size == 0 {
		size = DefaultSize
	}
	return &Window{
		physBase: physBase,
		size:     size,
		pageSize: uint64(os.Getpagesize()),
	}
}

func (w *Window) PhysBase() uint64 { return w.physBase }
func (w *Window) Size() uint64     { return w.size }
func (w *Window) PageSize() uint64 { return w.pageSize }

// CheckMap is the pure capability check for a mapping request: a
// page-granular offset and a byte length. It returns the byte offset
// of the requested range within the window, or ErrOutOfWindow when any
// part of the range falls outside it. No side effects.
func (w *Window) CheckMap(pageOffset, length uint64) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("%w: zero length", ErrOutOfWindow)
	}
	offset := pageOffset * w.pageSize
	if offset/w.pageSize != pageOffset {
		return 0, fmt.Errorf("%w: page offset %d overflows", ErrOutOfWindow, pageOffset)
	}
	end := offset + length
	if end < offset || end > w.size {
		return 0, fmt.Errorf("%w: off %#x len %#x size %#x", ErrOutOfWindow, offset, length, w.size)
	}
	return offset, nil
}

func (w *Window) String() string {
	return fmt.Sprintf("phys=0x%x size=0x%x", w.physBase, w.size)
}
