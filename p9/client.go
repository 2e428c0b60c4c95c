package p9

import (
	"fmt"
	"io"
)

// Client drives one 9P conversation from the caller's side, for
// programs that consume a device tree served over a socket. Calls are
// synchronous with a single outstanding request; concurrent use needs
// one client per goroutine.
type Client struct {
	rwc   io.ReadWriteCloser
	msize uint32
	tag   uint16
}

func NewClient(rwc io.ReadWriteCloser) *Client {
	return &Client{rwc: rwc, msize: defaultMsize}
}

// Version negotiates protocol version and message size. It must be the
// first call on a new client.
func (c *Client) Version(msize uint32, version string) (uint32, string, error) {
	fc, err := c.rpc(Tversion, NOTAG, func(e *encoder) {
		e.u32(msize)
		e.str(version)
	})
	if err != nil {
		return 0, "", err
	}
	c.msize = fc.Msize
	return fc.Msize, fc.Version, nil
}

// Attach binds fid to the root of the server's tree.
func (c *Client) Attach(fid, afid uint32, uname, aname string) (Qid, error) {
	fc, err := c.rpc(Tattach, c.next(), func(e *encoder) {
		e.u32(fid)
		e.u32(afid)
		e.str(uname)
		e.str(aname)
	})
	if err != nil {
		return Qid{}, err
	}
	return fc.Qid, nil
}

// Walk moves from fid through names, binding the result to newfid.
func (c *Client) Walk(fid, newfid uint32, names ...string) ([]Qid, error) {
	fc, err := c.rpc(Twalk, c.next(), func(e *encoder) {
		e.u32(fid)
		e.u32(newfid)
		e.u16(uint16(len(names)))
		for _, name := range names {
			e.str(name)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(fc.Wqid) != len(names) {
		return nil, fmt.Errorf("walk stopped after %d of %d names", len(fc.Wqid), len(names))
	}
	return fc.Wqid, nil
}

// Open prepares fid for I/O.
func (c *Client) Open(fid uint32, mode uint8) (Qid, uint32, error) {
	fc, err := c.rpc(Topen, c.next(), func(e *encoder) {
		e.u32(fid)
		e.u8(mode)
	})
	if err != nil {
		return Qid{}, 0, err
	}
	return fc.Qid, fc.Iounit, nil
}

// Read returns up to count bytes from the file at offset.
func (c *Client) Read(fid uint32, offset uint64, count uint32) ([]byte, error) {
	fc, err := c.rpc(Tread, c.next(), func(e *encoder) {
		e.u32(fid)
		e.u64(offset)
		e.u32(count)
	})
	if err != nil {
		return nil, err
	}
	return fc.Data, nil
}

// Write stores data into the file at offset.
func (c *Client) Write(fid uint32, offset uint64, data []byte) (uint32, error) {
	fc, err := c.rpc(Twrite, c.next(), func(e *encoder) {
		e.u32(fid)
		e.u64(offset)
		e.u32(uint32(len(data)))
		e.raw(data)
	})
	if err != nil {
		return 0, err
	}
	return fc.Count, nil
}

// Clunk releases fid.
func (c *Client) Clunk(fid uint32) error {
	_, err := c.rpc(Tclunk, c.next(), func(e *encoder) {
		e.u32(fid)
	})
	return err
}

// Stat describes the file bound to fid.
func (c *Client) Stat(fid uint32) (Stat, error) {
	fc, err := c.rpc(Tstat, c.next(), func(e *encoder) {
		e.u32(fid)
	})
	if err != nil {
		return Stat{}, err
	}
	return fc.Stat, nil
}

// Close ends the conversation.
func (c *Client) Close() error {
	return c.rwc.Close()
}

func (c *Client) next() uint16 {
	c.tag++
	if c.tag == NOTAG {
		c.tag = 1
	}
	return c.tag
}

func (c *Client) rpc(typ uint8, tag uint16, body func(e *encoder)) (*Fcall, error) {
	var e encoder
	e.u8(typ)
	e.u16(tag)
	if body != nil {
		body(&e)
	}

	size := uint32(len(e.data) + 4)
	hdr := []byte{byte(size), byte(size >> 8), byte(size >> 16), byte(size >> 24)}
	if _, err := c.rwc.Write(hdr); err != nil {
		return nil, err
	}
	if _, err := c.rwc.Write(e.data); err != nil {
		return nil, err
	}

	return c.readResp(typ+1, tag)
}

func (c *Client) readResp(want uint8, tag uint16) (*Fcall, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rwc, hdr[:]); err != nil {
		return nil, err
	}
	size := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
	if size < 7 || size > c.msize {
		return nil, fmt.Errorf("invalid response size %d", size)
	}

	buf := make([]byte, size-4)
	if _, err := io.ReadFull(c.rwc, buf); err != nil {
		return nil, err
	}

	fc := &Fcall{Type: buf[0]}
	d := &decoder{data: buf[1:]}
	fc.Tag = d.u16()
	if fc.Tag != tag {
		return nil, fmt.Errorf("response tag %d, want %d", fc.Tag, tag)
	}

	switch fc.Type {
	case Rversion:
		fc.Msize = d.u32()
		fc.Version = d.str()

	case Rattach:
		fc.Qid = d.qid()

	case Rwalk:
		n := d.u16()
		fc.Wqid = make([]Qid, n)
		for i := range fc.Wqid {
			fc.Wqid[i] = d.qid()
		}

	case Ropen:
		fc.Qid = d.qid()
		fc.Iounit = d.u32()

	case Rread:
		fc.Count = d.u32()
		fc.Data = d.take(int(fc.Count))

	case Rwrite:
		fc.Count = d.u32()

	case Rclunk, Rflush:
		// no body

	case Rstat:
		d.u16() // envelope size
		fc.Stat = d.stat()

	case Rerror:
		fc.Ename = d.str()

	default:
		return nil, fmt.Errorf("unexpected response type %d", fc.Type)
	}

	if d.err != nil {
		return nil, fmt.Errorf("decode type %d: %w", fc.Type, d.err)
	}
	if fc.Type == Rerror {
		return nil, fmt.Errorf("server: %s", fc.Ename)
	}
	if fc.Type != want {
		return nil, fmt.Errorf("response type %d, want %d", fc.Type, want)
	}
	return fc, nil
}
