package vramdev

import (
	"fmt"
	"strings"
	"sync"

	"vram9/servers/p9"
)

// qid paths of the fixed device tree
const (
	qidRoot uint64 = iota + 1
	qidVRAM
	qidInfo
)

const devIounit = 8192

// DeviceServer serves the registered window as a flat 9P device tree:
//
//	/       device directory
//	vram    the window itself, read/write at byte offsets
//	info    read-only load-time configuration
//
// Open and Clunk are accept-all/no-op: the device keeps no per-open
// state and enforces no exclusivity. Reads and writes on vram go
// through the exporter's full-window mapping, so their bytes land on
// the physical frames; concurrent writers are not arbitrated.
type DeviceServer struct {
	win  *Window
	mem  []byte
	info string

	mu   sync.Mutex
	fids map[uint32]uint64 // fid -> qid path
}

func newDeviceServer(win *Window, mem []byte) (*DeviceServer, error) {
	if uint64(len(mem)) != win.Size() {
		return nil, fmt.Errorf("window mapping is %d bytes, want %d", len(mem), win.Size())
	}
	return &DeviceServer{
		win:  win,
		mem:  mem,
		info: win.String() + "\n",
		fids: make(map[uint32]uint64),
	}, nil
}

var _ p9.FileServer = (*DeviceServer)(nil)

// Version implements p9.FileServer.
func (ds *DeviceServer) Version(msize uint32, version string) (uint32, string, error) {
	if !strings.HasPrefix(version, "9P2000") {
		return 0, "", fmt.Errorf("unsupported version %q", version)
	}
	if msize > devIounit {
		msize = devIounit
	}
	return msize, "9P2000", nil
}

// Attach implements p9.FileServer.
func (ds *DeviceServer) Attach(fid, afid uint32, uname, aname string) (p9.Qid, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.fids[fid] = qidRoot
	return ds.qidFor(qidRoot), nil
}

// Walk implements p9.FileServer.
func (ds *DeviceServer) Walk(fid, newfid uint32, names []string) ([]p9.Qid, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	path, ok := ds.fids[fid]
	if !ok {
		return nil, fmt.Errorf("unknown fid %d", fid)
	}

	if len(names) == 0 {
		ds.fids[newfid] = path
		return []p9.Qid{}, nil
	}

	if path != qidRoot || len(names) > 1 {
		return nil, fmt.Errorf("walk in %q: no such file", names[0])
	}

	var dest uint64
	switch names[0] {
	case "vram":
		dest = qidVRAM
	case "info":
		dest = qidInfo
	default:
		return nil, fmt.Errorf("walk %q: no such file", names[0])
	}

	ds.fids[newfid] = dest
	return []p9.Qid{ds.qidFor(dest)}, nil
}

// Open implements p9.FileServer. All opens are accepted.
func (ds *DeviceServer) Open(fid uint32, mode uint8) (p9.Qid, uint32, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	path, ok := ds.fids[fid]
	if !ok {
		return p9.Qid{}, 0, fmt.Errorf("unknown fid %d", fid)
	}
	return ds.qidFor(path), devIounit, nil
}

// Read implements p9.FileServer.
func (ds *DeviceServer) Read(fid uint32, offset uint64, count uint32) ([]byte, error) {
	path, err := ds.lookup(fid)
	if err != nil {
		return nil, err
	}

	switch path {
	case qidVRAM:
		size := ds.win.Size()
		if offset >= size {
			return nil, nil
		}
		end := offset + uint64(count)
		if end > size {
			end = size
		}
		return ds.mem[offset:end], nil

	case qidInfo:
		return sliceText(ds.info, offset, count), nil

	case qidRoot:
		listing := append(ds.statFor(qidVRAM).Marshal(), ds.statFor(qidInfo).Marshal()...)
		if offset >= uint64(len(listing)) {
			return nil, nil
		}
		end := offset + uint64(count)
		if end > uint64(len(listing)) {
			end = uint64(len(listing))
		}
		return listing[offset:end], nil
	}

	return nil, fmt.Errorf("cannot read fid %d", fid)
}

// Write implements p9.FileServer. Only vram is writable; a write that
// would cross the end of the window is rejected whole, nothing is
// stored.
func (ds *DeviceServer) Write(fid uint32, offset uint64, data []byte) (uint32, error) {
	path, err := ds.lookup(fid)
	if err != nil {
		return 0, err
	}

	if path != qidVRAM {
		return 0, fmt.Errorf("file is read-only")
	}

	end := offset + uint64(len(data))
	if end < offset || end > ds.win.Size() {
		return 0, fmt.Errorf("write exceeds window (off %#x len %#x %s)", offset, len(data), ds.win)
	}

	copy(ds.mem[offset:end], data)
	return uint32(len(data)), nil
}

// Clunk implements p9.FileServer.
func (ds *DeviceServer) Clunk(fid uint32) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.fids, fid)
	return nil
}

// Stat implements p9.FileServer.
func (ds *DeviceServer) Stat(fid uint32) (p9.Stat, error) {
	path, err := ds.lookup(fid)
	if err != nil {
		return p9.Stat{}, err
	}
	return ds.statFor(path), nil
}

func (ds *DeviceServer) lookup(fid uint32) (uint64, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	path, ok := ds.fids[fid]
	if !ok {
		return 0, fmt.Errorf("unknown fid %d", fid)
	}
	return path, nil
}

func (ds *DeviceServer) qidFor(path uint64) p9.Qid {
	t := uint8(p9.QTFILE)
	if path == qidRoot {
		t = p9.QTDIR
	}
	return p9.Qid{Type: t, Path: path}
}

func (ds *DeviceServer) statFor(path uint64) p9.Stat {
	st := p9.Stat{
		Qid:  ds.qidFor(path),
		UID:  "vram",
		GID:  "vram",
		MUID: "vram",
	}
	switch path {
	case qidRoot:
		st.Name = "/"
		st.Mode = p9.DMDIR | 0555
	case qidVRAM:
		st.Name = "vram"
		st.Mode = 0666
		st.Length = ds.win.Size()
	case qidInfo:
		st.Name = "info"
		st.Mode = 0444
		st.Length = uint64(len(ds.info))
	}
	return st
}

func sliceText(s string, offset uint64, count uint32) []byte {
	if offset >= uint64(len(s)) {
		return nil
	}
	end := offset + uint64(count)
	if end > uint64(len(s)) {
		end = uint64(len(s))
	}
	return []byte(s[offset:end])
}
