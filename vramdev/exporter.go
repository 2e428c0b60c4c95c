package vramdev

import (
	"fmt"
	"log"
)

// Exporter gates mapping requests against its window and owns the
// device registration lifecycle. It is passive between requests: after
// a mapping is established the exporter never sees the traffic.
//
// The write path carries no locks. Concurrent writers to the same
// frames race and the last physical write wins, matching the hardware
// the window models; any coordination belongs to the layer above.
type Exporter struct {
	win     *Window
	backing Backing

	registered bool
	winMap     *Mapping
	dev        *DeviceServer
}

// NewExporter builds an exporter over an immutable window and the
// backing that commits its mappings.
func NewExporter(win *Window, backing Backing) *Exporter {
	return &Exporter{win: win, backing: backing}
}

// Window returns the exporter's immutable window configuration.
func (e *Exporter) Window() *Window { return e.win }

// EstablishMapping validates a page-granular mapping request and, only
// if it passes, commits it through the backing. A bounds violation
// returns ErrOutOfWindow with nothing installed; a commit failure
// returns ErrMapFailed and leaves the driver state untouched.
func (e *Exporter) EstablishMapping(pageOffset, length uint64) (*Mapping, error) {
	offset, err := e.win.CheckMap(pageOffset, length)
	if err != nil {
		log.Printf("vramdev: mapping rejected (pgoff %d len %#x): %v", pageOffset, length, err)
		return nil, err
	}

	data, err := e.backing.Map(offset, length)
	if err != nil {
		log.Printf("vramdev: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}

	return &Mapping{backing: e.backing, data: data, offset: offset}, nil
}

// Register brings the device up: it establishes the exporter's own
// full-window mapping, then publishes the device tree. A failure at
// any step releases everything acquired so far, in reverse order; the
// exporter is never left half-registered.
func (e *Exporter) Register() error {
	if e.registered {
		return fmt.Errorf("vramdev: already registered")
	}

	winMap, err := e.EstablishMapping(0, e.win.Size())
	if err != nil {
		return fmt.Errorf("vramdev: register: %w", err)
	}

	dev, err := newDeviceServer(e.win, winMap.Bytes())
	if err != nil {
		if uerr := winMap.Unmap(); uerr != nil {
			log.Printf("vramdev: unwind after failed register: %v", uerr)
		}
		return fmt.Errorf("vramdev: register: %w", err)
	}

	e.winMap = winMap
	e.dev = dev
	e.registered = true
	log.Printf("vramdev: registered, %s", e.win)
	return nil
}

// DeviceServer returns the 9P view of the registered device.
func (e *Exporter) DeviceServer() (*DeviceServer, error) {
	if !e.registered {
		return nil, ErrNotRegistered
	}
	return e.dev, nil
}

// Unregister tears the device down in reverse acquisition order. Best
// effort and idempotent; it never fails.
func (e *Exporter) Unregister() {
	if !e.registered {
		return
	}
	e.dev = nil
	if err := e.winMap.Unmap(); err != nil {
		log.Printf("vramdev: unmap on unregister: %v", err)
	}
	e.winMap = nil
	e.registered = false
	log.Printf("vramdev: unregistered")
}
