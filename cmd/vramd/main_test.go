package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"vram9/servers/sip"
)

func newTestDriver(t *testing.T, mountPoint string) *VRAMDriverServer {
	t.Helper()
	config := &sip.ServerConfig{
		Name:         "vram-driver",
		Capabilities: sip.CapDeviceAccess | sip.CapPhysMem | sip.CapFileSystem,
		MountPoint:   mountPoint,
	}
	s, err := NewVRAMDriver(config)
	if err != nil {
		t.Fatalf("NewVRAMDriver: %v", err)
	}
	return s.(*VRAMDriverServer)
}

func TestMount9PRefusesNonSocketMountPoint(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "mount")
	if err := os.WriteFile(path, []byte("keep"), 0644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	d := newTestDriver(t, path)
	if err := d.Mount9P(ctx); err == nil {
		d.Unmount9P(ctx)
		t.Fatal("Mount9P replaced an existing non-socket file")
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "keep" {
		t.Errorf("mount point file changed: %q, %v", data, err)
	}
}

func TestMount9PReplacesStaleSocket(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "vram")

	// Leave a dead socket inode behind, as a crashed instance would.
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale socket missing: %v", err)
	}

	d := newTestDriver(t, path)
	if err := d.Mount9P(ctx); err != nil {
		t.Fatalf("Mount9P over stale socket: %v", err)
	}
	if err := d.Unmount9P(ctx); err != nil {
		t.Errorf("Unmount9P: %v", err)
	}
}
