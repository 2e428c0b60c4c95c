package vgatext

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"vram9/servers/p9"
	"vram9/servers/vramdev"
)

// newTestDevice creates a regular file the size of the default window.
// mmap on a regular file gives the same shared-mapping semantics the
// real device node provides.
func newTestDevice(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vram")
	if err := os.WriteFile(path, make([]byte, DefaultSize), 0644); err != nil {
		t.Fatalf("create test device: %v", err)
	}
	return path
}

func newMappedDisplay(t *testing.T) (*Display, string) {
	t.Helper()
	path := newTestDevice(t)
	d := NewDisplay()
	if !d.Initialize(path, 0, 0) {
		t.Fatal("Initialize failed on test device")
	}
	t.Cleanup(d.Shutdown)
	return d, path
}

func TestInitializeUnavailable(t *testing.T) {
	d := NewDisplay()

	if d.Initialize(filepath.Join(t.TempDir(), "no", "such", "vram"), 0, 0) {
		t.Fatal("Initialize succeeded on missing device")
	}
	if d.Mapped() {
		t.Error("display claims mapped after failed Initialize")
	}

	// Unmapped writes fail cleanly rather than dereferencing an
	// absent mapping.
	if d.WriteCell(0, 0, 'x', 0x07) {
		t.Error("WriteCell succeeded while unmapped")
	}
	if n := d.WriteRun(0, 0, []byte("x"), 0x07); n != 0 {
		t.Errorf("WriteRun wrote %d cells while unmapped", n)
	}
	if _, _, ok := d.ReadCell(0, 0); ok {
		t.Error("ReadCell succeeded while unmapped")
	}

	d.Shutdown() // no-op, must not panic
}

func TestWriteCellEndToEnd(t *testing.T) {
	d, path := newMappedDisplay(t)

	if !d.WriteCell(10, 10, 'H', 0x1F) {
		t.Fatal("WriteCell failed")
	}

	// (10*80+10)*2 = 1620
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read device: %v", err)
	}
	if raw[1620] != 'H' {
		t.Errorf("byte 1620 = %#x, want 'H'", raw[1620])
	}
	if raw[1621] != 0x1F {
		t.Errorf("byte 1621 = %#x, want 0x1F", raw[1621])
	}

	ch, attr, ok := d.ReadCell(10, 10)
	if !ok || ch != 'H' || attr != 0x1F {
		t.Errorf("ReadCell = %q %#x %v", ch, attr, ok)
	}
}

func TestWriteCellRejectsOutOfRange(t *testing.T) {
	d, path := newMappedDisplay(t)

	cases := []struct{ row, col int }{
		{-1, 0},
		{0, -1},
		{Rows, 0},
		{0, Cols},
		{Rows, Cols},
		{1 << 20, 1 << 20},
	}

	for _, tc := range cases {
		if d.WriteCell(tc.row, tc.col, 'X', 0xFF) {
			t.Errorf("WriteCell(%d, %d) succeeded", tc.row, tc.col)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read device: %v", err)
	}
	if !bytes.Equal(raw, make([]byte, DefaultSize)) {
		t.Error("rejected writes modified the window")
	}
}

func TestWriteRunClampsAtRowEnd(t *testing.T) {
	d, _ := newMappedDisplay(t)

	// 10 bytes starting at column 75 of an 80-column row: only
	// columns 75-79 may be written.
	n := d.WriteRun(3, 75, []byte("HELLOWORLD"), 0x07)
	if n != 5 {
		t.Fatalf("WriteRun wrote %d cells, want 5", n)
	}

	want := "HELLO"
	for i := 0; i < 5; i++ {
		ch, _, ok := d.ReadCell(3, 75+i)
		if !ok || ch != want[i] {
			t.Errorf("cell (3, %d) = %q, want %q", 75+i, ch, want[i])
		}
	}

	// The run must not wrap onto the next row.
	if ch, _, _ := d.ReadCell(4, 0); ch != 0 {
		t.Errorf("cell (4, 0) = %q, run wrapped", ch)
	}
}

func TestWriteRunWholeFit(t *testing.T) {
	d, _ := newMappedDisplay(t)

	msg := []byte("Hello from /dev/vram!")
	if n := d.WriteRun(10, 10, msg, Attr(White, Blue)); n != len(msg) {
		t.Fatalf("WriteRun wrote %d cells, want %d", n, len(msg))
	}

	for i, want := range msg {
		ch, attr, ok := d.ReadCell(10, 10+i)
		if !ok || ch != want || attr != 0x1F {
			t.Errorf("cell (10, %d) = %q %#x", 10+i, ch, attr)
		}
	}
}

func TestWriteRunRejectsBadOrigin(t *testing.T) {
	d, _ := newMappedDisplay(t)

	if n := d.WriteRun(Rows, 0, []byte("x"), 0x07); n != 0 {
		t.Errorf("WriteRun from row %d wrote %d cells", Rows, n)
	}
	if n := d.WriteRun(0, Cols, []byte("x"), 0x07); n != 0 {
		t.Errorf("WriteRun from col %d wrote %d cells", Cols, n)
	}
	if n := d.WriteRun(-1, -1, []byte("x"), 0x07); n != 0 {
		t.Errorf("WriteRun from (-1,-1) wrote %d cells", n)
	}
}

func TestWriteString(t *testing.T) {
	d, _ := newMappedDisplay(t)

	if n := d.WriteString(0, 0, "ok", 0x70); n != 2 {
		t.Fatalf("WriteString wrote %d cells", n)
	}
	ch, attr, _ := d.ReadCell(0, 1)
	if ch != 'k' || attr != 0x70 {
		t.Errorf("cell (0,1) = %q %#x", ch, attr)
	}
}

func TestClear(t *testing.T) {
	d, _ := newMappedDisplay(t)

	d.WriteString(5, 5, "junk", 0x0C)
	if !d.Clear(Attr(LightGray, Black)) {
		t.Fatal("Clear failed")
	}

	for _, pos := range [][2]int{{0, 0}, {5, 5}, {24, 79}} {
		ch, attr, ok := d.ReadCell(pos[0], pos[1])
		if !ok || ch != ' ' || attr != 0x07 {
			t.Errorf("cell (%d,%d) = %q %#x after clear", pos[0], pos[1], ch, attr)
		}
	}
}

func TestSharedVisibilityAcrossDisplays(t *testing.T) {
	a, path := newMappedDisplay(t)

	b := NewDisplay()
	if !b.Initialize(path, 0, 0) {
		t.Fatal("second Initialize failed")
	}
	t.Cleanup(b.Shutdown)

	if !a.WriteCell(7, 7, 'Z', 0x2A) {
		t.Fatal("WriteCell failed")
	}

	// No flush: the mapping is shared, so the second display sees the
	// write immediately.
	ch, attr, ok := b.ReadCell(7, 7)
	if !ok || ch != 'Z' || attr != 0x2A {
		t.Errorf("second mapping sees %q %#x %v", ch, attr, ok)
	}
}

func TestGeometryHintsTrackLocally(t *testing.T) {
	path := newTestDevice(t)

	d := NewDisplay()
	if !d.Initialize(path, 0xA0000, 0x800) {
		t.Fatal("Initialize with hints failed")
	}
	t.Cleanup(d.Shutdown)

	if d.PhysBase() != 0xA0000 {
		t.Errorf("PhysBase = %#x", d.PhysBase())
	}
	if d.Size() != 0x800 {
		t.Errorf("Size = %#x", d.Size())
	}

	// With a 0x800-byte window only the first 512 cells exist; a cell
	// whose bytes fall outside the mapped window must be rejected even
	// though its coordinates are on the grid.
	if d.WriteCell(24, 79, 'X', 0x07) {
		t.Error("WriteCell wrote outside the mapped window")
	}
	if !d.WriteCell(0, 0, 'X', 0x07) {
		t.Error("WriteCell failed inside the shrunken window")
	}
}

func TestWriteRunStopsAtWindowEnd(t *testing.T) {
	path := newTestDevice(t)

	// 0x800 bytes = 1024 cells: the window ends mid-row, after column
	// 63 of row 12.
	d := NewDisplay()
	if !d.Initialize(path, 0, 0x800) {
		t.Fatal("Initialize with size hint failed")
	}
	t.Cleanup(d.Shutdown)

	run := bytes.Repeat([]byte("x"), 20)
	n := d.WriteRun(12, 60, run, 0x07)
	if n != 4 {
		t.Fatalf("WriteRun wrote %d cells, want 4", n)
	}

	for i := 0; i < 4; i++ {
		ch, _, ok := d.ReadCell(12, 60+i)
		if !ok || ch != 'x' {
			t.Errorf("cell (12, %d) = %q %v", 60+i, ch, ok)
		}
	}
	if _, _, ok := d.ReadCell(12, 64); ok {
		t.Error("cell (12, 64) readable outside the window")
	}

	// The last cell of the window takes a run of exactly one.
	if n := d.WriteRun(12, 63, []byte("ab"), 0x07); n != 1 {
		t.Errorf("WriteRun at last cell wrote %d cells, want 1", n)
	}

	// Nothing past the window: bytes beyond 0x800 stay untouched.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read device: %v", err)
	}
	if !bytes.Equal(raw[0x800:], make([]byte, DefaultSize-0x800)) {
		t.Error("run wrote past the end of the window")
	}
}

// sliceBacking stands in for the physical frames when composing the
// exporter with the library over a socket.
type sliceBacking struct {
	frames []byte
}

func (b *sliceBacking) Map(offset, length uint64) ([]byte, error) {
	return b.frames[offset : offset+length], nil
}

func (b *sliceBacking) Unmap([]byte) error { return nil }
func (b *sliceBacking) Close() error       { return nil }

func TestSocketDeviceComposition(t *testing.T) {
	backing := &sliceBacking{frames: make([]byte, vramdev.DefaultSize)}
	exp := vramdev.NewExporter(vramdev.NewWindow(0, 0), backing)
	if err := exp.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(exp.Unregister)

	sock := filepath.Join(t.TempDir(), "vram")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				dev, err := exp.DeviceServer()
				if err != nil {
					return
				}
				p9.NewServer(dev).Serve(conn)
			}()
		}
	}()

	d := NewDisplay()
	if !d.Initialize(sock, 0, 0) {
		t.Fatal("Initialize over the device socket failed")
	}
	t.Cleanup(d.Shutdown)

	if !d.WriteCell(10, 10, 'H', 0x1F) {
		t.Fatal("WriteCell over the socket failed")
	}
	// The write lands on the exporter's frames at (10*80+10)*2 = 1620.
	if backing.frames[1620] != 'H' || backing.frames[1621] != 0x1F {
		t.Errorf("frames[1620:1622] = %v", backing.frames[1620:1622])
	}

	ch, attr, ok := d.ReadCell(10, 10)
	if !ok || ch != 'H' || attr != 0x1F {
		t.Errorf("ReadCell = %q %#x %v", ch, attr, ok)
	}

	// The column clamp holds over the remote path too.
	if n := d.WriteRun(3, 75, []byte("HELLOWORLD"), 0x07); n != 5 {
		t.Errorf("WriteRun wrote %d cells, want 5", n)
	}
	if backing.frames[(3*80+79)*2] != 'O' {
		t.Error("run did not reach column 79")
	}
	if backing.frames[(4*80)*2] != 0 {
		t.Error("run wrapped onto the next row")
	}

	d.Shutdown()
	d.Shutdown() // idempotent over the socket as well
}

func TestShutdownIdempotent(t *testing.T) {
	d, _ := newMappedDisplay(t)

	d.Shutdown()
	if d.Mapped() {
		t.Error("display still mapped after Shutdown")
	}
	d.Shutdown() // second call is a no-op

	if d.WriteCell(0, 0, 'x', 0x07) {
		t.Error("WriteCell succeeded after Shutdown")
	}

	// Never-initialized display.
	NewDisplay().Shutdown()
}

func TestAttr(t *testing.T) {
	cases := []struct {
		fg, bg uint8
		want   byte
	}{
		{White, Blue, 0x1F},
		{Black, Black, 0x00},
		{LightGray, Black, 0x07},
		{Yellow, Red, 0x4E},
	}

	for _, tc := range cases {
		if got := Attr(tc.fg, tc.bg); got != tc.want {
			t.Errorf("Attr(%d, %d) = %#x, want %#x", tc.fg, tc.bg, got, tc.want)
		}
	}
}

func BenchmarkWriteCell(b *testing.B) {
	path := filepath.Join(b.TempDir(), "vram")
	if err := os.WriteFile(path, make([]byte, DefaultSize), 0644); err != nil {
		b.Fatal(err)
	}
	d := NewDisplay()
	if !d.Initialize(path, 0, 0) {
		b.Fatal("Initialize failed")
	}
	defer d.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.WriteCell(i%Rows, i%Cols, 'A', 0x07)
	}
}

func BenchmarkWriteRun(b *testing.B) {
	path := filepath.Join(b.TempDir(), "vram")
	if err := os.WriteFile(path, make([]byte, DefaultSize), 0644); err != nil {
		b.Fatal(err)
	}
	d := NewDisplay()
	if !d.Initialize(path, 0, 0) {
		b.Fatal("Initialize failed")
	}
	defer d.Shutdown()

	line := bytes.Repeat([]byte("x"), Cols)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.WriteRun(i%Rows, 0, line, 0x07)
	}
}
