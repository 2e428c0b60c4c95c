// Package vgatext gives callers a bounds-checked, cell-addressed write
// API over a VGA text-mode window, so an emulator can paint characters
// without reasoning about raw offsets or device lifecycle.
//
// The window layout is bit-exact with legacy VGA text mode: cell
// (row, col) lives at byte offset (row*80+col)*2, character byte first,
// attribute byte second. Writes are immediately visible to every other
// view of the same window; there is no flush and no locking, and
// concurrent writers to the same cell race with last-writer-wins.
//
// The device path may name a mappable node (a character device or
// regular file, accessed with a direct shared mapping) or the driver's
// 9P socket (accessed one message per call). Both carry the same byte
// layout.
package vgatext

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"vram9/servers/p9"
)

// Text-mode geometry.
const (
	Rows      = 25
	Cols      = 80
	CellBytes = 2
)

// Device defaults, matching the exporter's load-time defaults.
const (
	DefaultDevicePath = "/dev/vram"
	DefaultPhysBase   = 0xB8000
	DefaultSize       = 0x4000
)

// VGA palette indices for Attr.
const (
	Black uint8 = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

// Attr packs foreground and background palette indices into one
// attribute byte: low nibble foreground, high nibble background.
func Attr(fg, bg uint8) byte {
	return byte(bg&0x0F)<<4 | byte(fg&0x0F)
}

// window is the byte-addressed view behind a Display. Offsets are
// relative to the start of the text-mode region; implementations report
// false rather than touching anything outside their extent.
type window interface {
	writeAt(off int, b []byte) bool
	readAt(off int, b []byte) bool
	size() int
	close()
}

// Display is one process's view of the text-mode window. Its state
// machine is Uninitialized -> Mapped (Initialize) -> Uninitialized
// (Shutdown); writes in the unmapped state fail cleanly.
type Display struct {
	win  window
	phys uint64
	size uint64
}

// NewDisplay returns a display in the uninitialized state.
func NewDisplay() *Display {
	return &Display{}
}

// Initialize opens the device and establishes the window view,
// reporting false when the device is unavailable so the caller can fall
// back to a software rendering path. A socket at path is dialed as the
// driver's 9P mount; anything else is opened and mapped directly. The
// physBase and size hints update only the locally tracked geometry; the
// driver's window stays authoritative, and a mismatch is caller error.
// Callers must Shutdown before initializing again.
func (d *Display) Initialize(path string, physBase, size uint64) bool {
	if path == "" {
		path = DefaultDevicePath
	}
	d.phys = DefaultPhysBase
	if physBase != 0 {
		d.phys = physBase
	}
	d.size = DefaultSize
	if size != 0 {
		d.size = size
	}

	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		win, ok := dialWindow(path)
		if !ok {
			return false
		}
		d.win = win
		return true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return false
	}

	// Offset 0 of the device corresponds to the window's physical
	// base; the mapping is shared and non-cached, so no flushing.
	mem, err := unix.Mmap(int(f.Fd()), 0, int(d.size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return false
	}

	d.win = &mappedWindow{f: f, mem: mem}
	return true
}

// Mapped reports whether the display is in the mapped state.
func (d *Display) Mapped() bool {
	return d.win != nil
}

// PhysBase returns the locally tracked physical base address.
func (d *Display) PhysBase() uint64 { return d.phys }

// Size returns the locally tracked window size in bytes.
func (d *Display) Size() uint64 { return d.size }

// WriteCell stores one character/attribute pair at (row, col). It
// returns false, touching nothing, when the display is unmapped, the
// coordinates are out of range, or the cell falls outside the window.
func (d *Display) WriteCell(row, col int, ch, attr byte) bool {
	idx, ok := d.cellIndex(row, col)
	if !ok {
		return false
	}
	return d.win.writeAt(idx, []byte{ch, attr})
}

// ReadCell returns the character/attribute pair at (row, col).
func (d *Display) ReadCell(row, col int) (ch, attr byte, ok bool) {
	idx, ok := d.cellIndex(row, col)
	if !ok {
		return 0, 0, false
	}
	var cell [CellBytes]byte
	if !d.win.readAt(idx, cell[:]) {
		return 0, 0, false
	}
	return cell[0], cell[1], true
}

// WriteRun writes a contiguous run of cells starting at (row, col),
// all with the same attribute. The run is truncated at the 80-column
// boundary rather than wrapped to the next row, and at the end of the
// window when the window is shorter than the full grid. Returns the
// number of cells written; zero when unmapped or the origin is out of
// range.
func (d *Display) WriteRun(row, col int, s []byte, attr byte) int {
	idx, ok := d.cellIndex(row, col)
	if !ok {
		return 0
	}
	n := len(s)
	if col+n > Cols {
		n = Cols - col
	}
	if limit := (d.win.size() - idx) / CellBytes; n > limit {
		n = limit
	}
	buf := make([]byte, n*CellBytes)
	for i := 0; i < n; i++ {
		buf[i*CellBytes] = s[i]
		buf[i*CellBytes+1] = attr
	}
	if !d.win.writeAt(idx, buf) {
		return 0
	}
	return n
}

// WriteString is WriteRun for a string.
func (d *Display) WriteString(row, col int, s string, attr byte) int {
	return d.WriteRun(row, col, []byte(s), attr)
}

// Clear fills every cell of the visible grid with a blank character
// and the given attribute, stopping at the end of the window when it is
// shorter than the grid. Bytes beyond the grid are left alone.
func (d *Display) Clear(attr byte) bool {
	if d.win == nil {
		return false
	}
	cells := Rows * Cols
	if limit := d.win.size() / CellBytes; cells > limit {
		cells = limit
	}
	if cells == 0 {
		return false
	}
	buf := make([]byte, cells*CellBytes)
	for i := 0; i < cells; i++ {
		buf[i*CellBytes] = ' '
		buf[i*CellBytes+1] = attr
	}
	return d.win.writeAt(0, buf)
}

// Shutdown releases the window view and closes the device. Safe to call
// before a successful Initialize and safe to call repeatedly.
func (d *Display) Shutdown() {
	if d.win != nil {
		d.win.close()
		d.win = nil
	}
}

// cellIndex validates (row, col) and returns the cell's byte offset.
func (d *Display) cellIndex(row, col int) (int, bool) {
	if d.win == nil {
		return 0, false
	}
	if row < 0 || row >= Rows || col < 0 || col >= Cols {
		return 0, false
	}
	idx := (row*Cols + col) * CellBytes
	if idx+CellBytes > d.win.size() {
		return 0, false
	}
	return idx, true
}

// mappedWindow is a direct shared mapping of the device.
type mappedWindow struct {
	f   *os.File
	mem []byte
}

func (w *mappedWindow) writeAt(off int, b []byte) bool {
	if off < 0 || off+len(b) > len(w.mem) {
		return false
	}
	copy(w.mem[off:], b)
	return true
}

func (w *mappedWindow) readAt(off int, b []byte) bool {
	if off < 0 || off+len(b) > len(w.mem) {
		return false
	}
	copy(b, w.mem[off:])
	return true
}

func (w *mappedWindow) size() int { return len(w.mem) }

func (w *mappedWindow) close() {
	unix.Munmap(w.mem)
	w.f.Close()
}

// remoteWindow drives the vram file of a driver's 9P mount. Each call
// is one synchronous message; the driver's exported size, not the local
// hint, bounds the window.
type remoteWindow struct {
	c      *p9.Client
	fid    uint32
	length int
}

const (
	remoteRootFid uint32 = 0
	remoteVRAMFid uint32 = 1
)

func dialWindow(path string) (*remoteWindow, bool) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, false
	}
	c := p9.NewClient(conn)

	fail := func() (*remoteWindow, bool) {
		c.Close()
		return nil, false
	}

	if _, _, err := c.Version(8192, "9P2000"); err != nil {
		return fail()
	}
	if _, err := c.Attach(remoteRootFid, p9.NOFID, "vgatext", ""); err != nil {
		return fail()
	}
	if _, err := c.Walk(remoteRootFid, remoteVRAMFid, "vram"); err != nil {
		return fail()
	}
	if _, _, err := c.Open(remoteVRAMFid, p9.ORDWR); err != nil {
		return fail()
	}
	st, err := c.Stat(remoteVRAMFid)
	if err != nil {
		return fail()
	}

	return &remoteWindow{c: c, fid: remoteVRAMFid, length: int(st.Length)}, true
}

func (w *remoteWindow) writeAt(off int, b []byte) bool {
	n, err := w.c.Write(w.fid, uint64(off), b)
	return err == nil && int(n) == len(b)
}

func (w *remoteWindow) readAt(off int, b []byte) bool {
	data, err := w.c.Read(w.fid, uint64(off), uint32(len(b)))
	if err != nil || len(data) != len(b) {
		return false
	}
	copy(b, data)
	return true
}

func (w *remoteWindow) size() int { return w.length }

func (w *remoteWindow) close() {
	w.c.Clunk(w.fid)
	w.c.Close()
}
