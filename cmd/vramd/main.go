// VRAM Driver - exposes the VGA text-mode memory window as a SIP server
// Serves the device tree via 9P at /dev/vram
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"vram9/servers/p9"
	"vram9/servers/sip"
	"vram9/servers/vramdev"
)

// VRAMDriverServer implements the SIP IDeviceDriver and IFileServer
// interfaces around a vramdev exporter.
type VRAMDriverServer struct {
	*sip.BaseServer
	logger *sip.DefaultLogger

	win      *vramdev.Window
	backing  vramdev.Backing
	exporter *vramdev.Exporter

	listener net.Listener
	conns    sync.WaitGroup
}

// Ensure we implement the interfaces
var (
	_ sip.IDeviceDriver = (*VRAMDriverServer)(nil)
	_ sip.IFileServer   = (*VRAMDriverServer)(nil)
)

// NewVRAMDriver creates a new VRAM driver instance
func NewVRAMDriver(config *sip.ServerConfig) (sip.IServer, error) {
	return &VRAMDriverServer{
		BaseServer: sip.NewBaseServer(config),
		logger:     sip.NewDefaultLogger(config.Name),
	}, nil
}

// Initialize implements IDeviceDriver. It consumes the load-time
// parameters; the window they describe is immutable from here on.
func (d *VRAMDriverServer) Initialize(ctx context.Context, config *sip.ServerConfig) error {
	if err := d.BaseServer.Initialize(ctx, config); err != nil {
		return err
	}

	d.logger.Info("Initializing VRAM driver")

	if config.Capabilities&sip.CapDeviceAccess == 0 {
		return fmt.Errorf("VRAM driver requires CapDeviceAccess")
	}
	if config.Capabilities&sip.CapPhysMem == 0 {
		return fmt.Errorf("VRAM driver requires CapPhysMem")
	}

	phys, err := config.ParamUint("phys_addr", vramdev.DefaultPhysBase)
	if err != nil {
		return err
	}
	size, err := config.ParamUint("vsize", vramdev.DefaultSize)
	if err != nil {
		return err
	}

	d.win = vramdev.NewWindow(phys, size)
	d.logger.Info("VRAM driver initialized, window %s", d.win)
	return nil
}

// Start implements IDeviceDriver. Bring-up is ordered attach then
// mount; a failure unwinds what succeeded, in reverse.
func (d *VRAMDriverServer) Start(ctx context.Context) error {
	d.logger.Info("Starting VRAM driver")

	if err := d.BaseServer.Start(ctx); err != nil {
		return err
	}

	devices, err := d.Probe(ctx)
	if err != nil {
		d.logger.Error("Probe failed: %v", err)
		return err
	}

	for _, devPath := range devices {
		if err := d.AttachDevice(ctx, devPath); err != nil {
			return fmt.Errorf("failed to attach %s: %w", devPath, err)
		}
		d.logger.Info("Attached device: %s", devPath)
	}

	if err := d.Mount9P(ctx); err != nil {
		for _, devPath := range devices {
			if derr := d.DetachDevice(ctx, devPath); derr != nil {
				d.logger.Error("Unwind after failed mount: %v", derr)
			}
		}
		return fmt.Errorf("failed to mount 9P server: %w", err)
	}

	d.logger.Info("VRAM driver started, serving at %s", d.GetConfig().MountPoint)
	return nil
}

// Stop implements IDeviceDriver. Teardown runs in reverse acquisition
// order and keeps going past individual failures.
func (d *VRAMDriverServer) Stop(ctx context.Context) error {
	d.logger.Info("Stopping VRAM driver")

	if err := d.Unmount9P(ctx); err != nil {
		d.logger.Error("Unmount: %v", err)
	}
	if err := d.DetachDevice(ctx, "vram0"); err != nil {
		d.logger.Error("Detach: %v", err)
	}

	return d.BaseServer.Stop(ctx)
}

// Probe implements IDeviceDriver. The text-mode window is fixed
// hardware; probing checks that the physical-memory device is present.
func (d *VRAMDriverServer) Probe(ctx context.Context) ([]string, error) {
	d.logger.Info("Probing for VRAM window at %s", d.win)

	if _, err := os.Stat("/dev/mem"); err != nil {
		return nil, fmt.Errorf("physical memory device unavailable: %w", err)
	}

	return []string{"vram0"}, nil
}

// AttachDevice implements IDeviceDriver. It opens the physical-memory
// backing and registers the exporter; on failure nothing stays held.
func (d *VRAMDriverServer) AttachDevice(ctx context.Context, devicePath string) error {
	d.logger.Info("Attaching device: %s", devicePath)

	backing, err := vramdev.OpenDevMem(d.win)
	if err != nil {
		return fmt.Errorf("failed to open backing: %w", err)
	}

	exporter := vramdev.NewExporter(d.win, backing)
	if err := exporter.Register(); err != nil {
		if cerr := backing.Close(); cerr != nil {
			d.logger.Error("Unwind after failed register: %v", cerr)
		}
		return fmt.Errorf("failed to register device: %w", err)
	}

	d.backing = backing
	d.exporter = exporter
	d.IncrementRequests()
	return nil
}

// DetachDevice implements IDeviceDriver.
func (d *VRAMDriverServer) DetachDevice(ctx context.Context, devicePath string) error {
	d.logger.Info("Detaching device: %s", devicePath)

	if d.exporter != nil {
		d.exporter.Unregister()
		d.exporter = nil
	}
	if d.backing != nil {
		if err := d.backing.Close(); err != nil {
			return err
		}
		d.backing = nil
	}
	return nil
}

// Mount9P implements IFileServer. Each accepted connection gets its own
// protocol loop over the shared device tree.
func (d *VRAMDriverServer) Mount9P(ctx context.Context) error {
	mountPoint := d.GetConfig().MountPoint

	// A previous instance may have left its socket behind. Anything
	// else at the mount point is not ours to remove.
	if fi, err := os.Stat(mountPoint); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("mount point %s exists and is not a socket", mountPoint)
		}
		if err := os.Remove(mountPoint); err != nil {
			return fmt.Errorf("clear mount point %s: %w", mountPoint, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat mount point %s: %w", mountPoint, err)
	}

	l, err := net.Listen("unix", mountPoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", mountPoint, err)
	}
	d.listener = l

	d.conns.Add(1)
	go func() {
		defer d.conns.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				// Listener closed during Unmount9P.
				return
			}
			d.conns.Add(1)
			go func() {
				defer d.conns.Done()
				defer conn.Close()
				d.serveConn(conn)
			}()
		}
	}()

	d.logger.Info("9P server mounted at %s", mountPoint)
	return nil
}

func (d *VRAMDriverServer) serveConn(conn net.Conn) {
	dev, err := d.exporter.DeviceServer()
	if err != nil {
		d.logger.Error("Connection refused: %v", err)
		return
	}
	d.IncrementRequests()
	if err := p9.NewServer(dev).Serve(conn); err != nil {
		d.Degrade("client connection failed", err)
	}
}

// Unmount9P implements IFileServer. It stops accepting and waits for
// in-flight conversations to drain.
func (d *VRAMDriverServer) Unmount9P(ctx context.Context) error {
	if d.listener == nil {
		return nil
	}
	err := d.listener.Close()
	d.listener = nil
	d.conns.Wait()
	d.logger.Info("9P server unmounted")
	return err
}

func main() {
	log.SetPrefix("[vram-driver] ")
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	phys := flag.String("phys", "", "physical base address of the text-mode window (default 0xB8000)")
	size := flag.String("size", "", "window size in bytes (default 0x4000)")
	mount := flag.String("mount", "/dev/vram", "mount point for the 9P device tree")
	flag.Parse()

	// Create SIP factory and register the VRAM driver
	factory := sip.NewServerFactory()
	if err := factory.Register("vram-driver", NewVRAMDriver); err != nil {
		log.Fatalf("Failed to register VRAM driver: %v", err)
	}

	manager := sip.NewServerManager(factory)

	config := &sip.ServerConfig{
		Name:         "vram-driver",
		Capabilities: sip.CapDeviceAccess | sip.CapPhysMem | sip.CapFileSystem,
		MountPoint:   *mount,
		Priority:     5,
		Params: map[string]string{
			"phys_addr": *phys,
			"vsize":     *size,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartServer(ctx, "vram-driver", config); err != nil {
		log.Fatalf("Failed to start VRAM driver: %v", err)
	}

	log.Printf("VRAM driver running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Printf("Shutting down...")

	if err := manager.StopAll(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Printf("VRAM driver stopped")
}
