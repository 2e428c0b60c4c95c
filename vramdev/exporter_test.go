package vramdev

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// fakeBacking simulates the physical frames behind a window with an
// ordinary byte slice. Every mapping is a sub-slice of the same
// storage, which reproduces the shared-visibility semantics of real
// device memory.
type fakeBacking struct {
	frames  []byte
	mapped  int
	failMap bool
	closed  bool
}

func newFakeBacking(size uint64) *fakeBacking {
	return &fakeBacking{frames: make([]byte, size)}
}

func (f *fakeBacking) Map(offset, length uint64) ([]byte, error) {
	if f.failMap {
		return nil, fmt.Errorf("simulated page-table failure")
	}
	if offset+length > uint64(len(f.frames)) {
		// The exporter must never let an out-of-window request reach
		// the backing.
		return nil, fmt.Errorf("backing saw unvalidated request: off %d len %d", offset, length)
	}
	f.mapped++
	return f.frames[offset : offset+length], nil
}

func (f *fakeBacking) Unmap(b []byte) error {
	f.mapped--
	return nil
}

func (f *fakeBacking) Close() error {
	f.closed = true
	return nil
}

func newTestExporter(t *testing.T) (*Exporter, *fakeBacking) {
	t.Helper()
	win := NewWindow(0, 0)
	backing := newFakeBacking(win.Size())
	return NewExporter(win, backing), backing
}

func TestEstablishMappingRejectsOutOfWindow(t *testing.T) {
	exp, backing := newTestExporter(t)
	win := exp.Window()

	pages := win.Size() / win.PageSize()

	cases := []struct {
		pageOffset, length uint64
	}{
		{0, win.Size() + 1},
		{pages, 1},
		{1, win.Size()},
		{0, 0},
	}

	for _, tc := range cases {
		m, err := exp.EstablishMapping(tc.pageOffset, tc.length)
		if err == nil {
			t.Fatalf("EstablishMapping(%d, %d) succeeded", tc.pageOffset, tc.length)
		}
		if !errors.Is(err, ErrOutOfWindow) {
			t.Errorf("error = %v, want ErrOutOfWindow", err)
		}
		if m != nil {
			t.Error("mapping returned alongside error")
		}
	}

	if backing.mapped != 0 {
		t.Errorf("%d mappings installed despite bounds failures", backing.mapped)
	}
}

func TestEstablishMappingCommitFailure(t *testing.T) {
	exp, backing := newTestExporter(t)
	backing.failMap = true

	m, err := exp.EstablishMapping(0, exp.Window().Size())
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if !errors.Is(err, ErrMapFailed) {
		t.Errorf("error = %v, want ErrMapFailed", err)
	}
	if m != nil {
		t.Error("mapping returned alongside error")
	}
	if backing.mapped != 0 {
		t.Error("failed commit left a mapping installed")
	}
}

func TestMappingVisibilityAcrossMappings(t *testing.T) {
	exp, _ := newTestExporter(t)
	win := exp.Window()

	a, err := exp.EstablishMapping(0, win.Size())
	if err != nil {
		t.Fatalf("first mapping: %v", err)
	}
	defer a.Unmap()

	b, err := exp.EstablishMapping(0, win.Size())
	if err != nil {
		t.Fatalf("second mapping: %v", err)
	}
	defer b.Unmap()

	copy(a.Bytes()[100:], []byte("shared frames"))
	if !bytes.Equal(b.Bytes()[100:113], []byte("shared frames")) {
		t.Error("write through one mapping not visible through the other")
	}
}

func TestMappingOffsetWindowing(t *testing.T) {
	exp, backing := newTestExporter(t)
	win := exp.Window()

	m, err := exp.EstablishMapping(1, win.PageSize())
	if err != nil {
		t.Fatalf("EstablishMapping: %v", err)
	}
	defer m.Unmap()

	if m.Offset() != win.PageSize() {
		t.Errorf("Offset = %#x, want %#x", m.Offset(), win.PageSize())
	}
	if uint64(m.Len()) != win.PageSize() {
		t.Errorf("Len = %#x, want %#x", m.Len(), win.PageSize())
	}

	m.Bytes()[0] = 0xAB
	if backing.frames[win.PageSize()] != 0xAB {
		t.Error("offset mapping does not start at physBase+offset")
	}
}

func TestMappingUnmapIdempotent(t *testing.T) {
	exp, backing := newTestExporter(t)

	m, err := exp.EstablishMapping(0, exp.Window().Size())
	if err != nil {
		t.Fatalf("EstablishMapping: %v", err)
	}

	if err := m.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := m.Unmap(); err != nil {
		t.Fatalf("second Unmap: %v", err)
	}
	if backing.mapped != 0 {
		t.Errorf("mapped count = %d after unmap", backing.mapped)
	}
	if m.Bytes() != nil {
		t.Error("Bytes non-nil after Unmap")
	}
}

func TestRegisterLifecycle(t *testing.T) {
	exp, backing := newTestExporter(t)

	if _, err := exp.DeviceServer(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("DeviceServer before register: %v, want ErrNotRegistered", err)
	}

	if err := exp.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := exp.Register(); err == nil {
		t.Error("second Register succeeded")
	}

	dev, err := exp.DeviceServer()
	if err != nil || dev == nil {
		t.Fatalf("DeviceServer after register: %v", err)
	}

	exp.Unregister()
	exp.Unregister() // idempotent

	if backing.mapped != 0 {
		t.Errorf("mapped count = %d after unregister", backing.mapped)
	}
	if _, err := exp.DeviceServer(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("DeviceServer after unregister: %v, want ErrNotRegistered", err)
	}
}

func TestRegisterUnwindsOnFailure(t *testing.T) {
	exp, backing := newTestExporter(t)
	backing.failMap = true

	if err := exp.Register(); err == nil {
		t.Fatal("expected Register to fail")
	}
	if backing.mapped != 0 {
		t.Errorf("mapped count = %d after failed register", backing.mapped)
	}
	if _, err := exp.DeviceServer(); !errors.Is(err, ErrNotRegistered) {
		t.Error("failed register left the device half-registered")
	}
}

func BenchmarkEstablishMapping(b *testing.B) {
	win := NewWindow(0, 0)
	backing := newFakeBacking(win.Size())
	exp := NewExporter(win, backing)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m, err := exp.EstablishMapping(0, win.Size())
		if err != nil {
			b.Fatalf("EstablishMapping: %v", err)
		}
		m.Unmap()
	}
}
