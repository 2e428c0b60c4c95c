package vramdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Backing installs and removes shared mappings onto the physical
// frames behind a window. Map commits what Window.CheckMap has already
// approved; it performs no bounds validation of its own, which keeps
// validation and commit separable.
type Backing interface {
	// Map installs a shared mapping of length bytes starting at the
	// given byte offset into the window.
	Map(offset, length uint64) ([]byte, error)

	// Unmap removes a mapping previously returned by Map.
	Unmap(b []byte) error

	// Close releases the backing itself.
	Close() error
}

const devMemPath = "/dev/mem"

// DevMem backs a window with the host physical-memory device. The
// device is opened with O_SYNC so the mappings it hands out are
// non-cached device memory: stores are immediately visible to every
// other mapping of the same frames, with no flush required.
type DevMem struct {
	f        *os.File
	physBase uint64
}

// OpenDevMem opens the physical-memory device for the window. The
// window's base must be page-aligned, as /dev/mem mappings are
// established at page granularity.
func OpenDevMem(w *Window) (*DevMem, error) {
	if w.PhysBase()%w.PageSize() != 0 {
		return nil, fmt.Errorf("physical base 0x%x is not page-aligned", w.PhysBase())
	}
	f, err := os.OpenFile(devMemPath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devMemPath, err)
	}
	return &DevMem{f: f, physBase: w.PhysBase()}, nil
}

// Map implements Backing. The offset into the device equals the
// physical address, so the mapping lands on physBase+offset.
func (m *DevMem) Map(offset, length uint64) ([]byte, error) {
	b, err := unix.Mmap(int(m.f.Fd()), int64(m.physBase+offset), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap phys 0x%x len 0x%x: %w", m.physBase+offset, length, err)
	}
	return b, nil
}

// Unmap implements Backing.
func (m *DevMem) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Close implements Backing. Mappings already handed out survive the
// close; they are torn down individually via Unmap.
func (m *DevMem) Close() error {
	return m.f.Close()
}
