package p9

import (
	"errors"
	"fmt"
	"io"
	"log"
)

// FileServer is the view of a device tree that a driver exposes over
// 9P. Servers with a fixed tree implement only these operations; the
// protocol loop answers Rerror for create, remove and wstat.
type FileServer interface {
	// Version negotiates protocol version and message size.
	Version(msize uint32, version string) (uint32, string, error)

	// Attach binds fid to the root of the device tree.
	Attach(fid, afid uint32, uname, aname string) (Qid, error)

	// Walk moves from fid through names, binding the result to newfid.
	Walk(fid, newfid uint32, names []string) ([]Qid, error)

	// Open prepares fid for I/O and returns its qid and iounit.
	Open(fid uint32, mode uint8) (Qid, uint32, error)

	// Read returns up to count bytes from the file at offset.
	Read(fid uint32, offset uint64, count uint32) ([]byte, error)

	// Write stores data into the file at offset.
	Write(fid uint32, offset uint64, data []byte) (uint32, error)

	// Clunk releases fid.
	Clunk(fid uint32) error

	// Stat describes the file bound to fid.
	Stat(fid uint32) (Stat, error)
}

const defaultMsize = 8192

// Server runs the 9P protocol loop for a FileServer.
type Server struct {
	fs    FileServer
	msize uint32
}

func NewServer(fs FileServer) *Server {
	return &Server{fs: fs, msize: defaultMsize}
}

// Serve handles one 9P conversation on rw until EOF or a protocol
// error. Requests are processed to completion in arrival order.
func (s *Server) Serve(rw io.ReadWriter) error {
	for {
		fc, err := s.readMsg(rw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			log.Printf("p9: read error: %v", err)
			return err
		}

		resp := s.dispatch(fc)
		if err := s.writeMsg(rw, resp); err != nil {
			log.Printf("p9: write error: %v", err)
			return err
		}
	}
}

func (s *Server) readMsg(r io.Reader) (*Fcall, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24

	// size[4] type[1] tag[2] is the minimum legal message.
	if size < 7 || size > s.msize {
		return nil, fmt.Errorf("invalid message size %d", size)
	}

	buf := make([]byte, size-4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	fc := &Fcall{Type: buf[0]}
	d := &decoder{data: buf[1:]}
	fc.Tag = d.u16()

	switch fc.Type {
	case Tversion:
		fc.Msize = d.u32()
		fc.Version = d.str()

	case Tattach:
		fc.Fid = d.u32()
		fc.Afid = d.u32()
		fc.Uname = d.str()
		fc.Aname = d.str()

	case Tflush:
		fc.Oldtag = d.u16()

	case Twalk:
		fc.Fid = d.u32()
		fc.Newfid = d.u32()
		n := d.u16()
		fc.Wname = make([]string, n)
		for i := range fc.Wname {
			fc.Wname[i] = d.str()
		}

	case Topen:
		fc.Fid = d.u32()
		fc.Mode = d.u8()

	case Tread:
		fc.Fid = d.u32()
		fc.Offset = d.u64()
		fc.Count = d.u32()

	case Twrite:
		fc.Fid = d.u32()
		fc.Offset = d.u64()
		fc.Count = d.u32()
		fc.Data = d.take(int(fc.Count))

	case Tclunk, Tremove, Tstat:
		fc.Fid = d.u32()
	}

	if d.err != nil {
		return nil, fmt.Errorf("decode type %d: %w", fc.Type, d.err)
	}
	return fc, nil
}

func (s *Server) writeMsg(w io.Writer, fc *Fcall) error {
	var e encoder
	e.u8(fc.Type)
	e.u16(fc.Tag)

	switch fc.Type {
	case Rversion:
		e.u32(fc.Msize)
		e.str(fc.Version)

	case Rattach:
		e.qid(fc.Qid)

	case Rflush, Rclunk:
		// no body

	case Rwalk:
		e.u16(uint16(len(fc.Wqid)))
		for _, q := range fc.Wqid {
			e.qid(q)
		}

	case Ropen:
		e.qid(fc.Qid)
		e.u32(fc.Iounit)

	case Rread:
		e.u32(fc.Count)
		e.raw(fc.Data)

	case Rwrite:
		e.u32(fc.Count)

	case Rerror:
		e.str(fc.Ename)

	case Rstat:
		var body encoder
		body.stat(fc.Stat)
		e.u16(uint16(len(body.data)))
		e.raw(body.data)
	}

	size := uint32(len(e.data) + 4)
	hdr := []byte{byte(size), byte(size >> 8), byte(size >> 16), byte(size >> 24)}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(e.data)
	return err
}

func (s *Server) dispatch(fc *Fcall) *Fcall {
	resp := &Fcall{Tag: fc.Tag}

	switch fc.Type {
	case Tversion:
		msize, version, err := s.fs.Version(fc.Msize, fc.Version)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		s.msize = msize
		resp.Type = Rversion
		resp.Msize = msize
		resp.Version = version

	case Tattach:
		qid, err := s.fs.Attach(fc.Fid, fc.Afid, fc.Uname, fc.Aname)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Rattach
		resp.Qid = qid

	case Tflush:
		// All operations run to completion synchronously; there is
		// never an outstanding request to cancel.
		resp.Type = Rflush

	case Twalk:
		qids, err := s.fs.Walk(fc.Fid, fc.Newfid, fc.Wname)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Rwalk
		resp.Wqid = qids

	case Topen:
		qid, iounit, err := s.fs.Open(fc.Fid, fc.Mode)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Ropen
		resp.Qid = qid
		resp.Iounit = iounit

	case Tread:
		data, err := s.fs.Read(fc.Fid, fc.Offset, fc.Count)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Rread
		resp.Count = uint32(len(data))
		resp.Data = data

	case Twrite:
		count, err := s.fs.Write(fc.Fid, fc.Offset, fc.Data)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Rwrite
		resp.Count = count

	case Tclunk:
		if err := s.fs.Clunk(fc.Fid); err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Rclunk

	case Tstat:
		stat, err := s.fs.Stat(fc.Fid)
		if err != nil {
			return s.rerror(fc.Tag, err)
		}
		resp.Type = Rstat
		resp.Stat = stat

	case Tcreate, Tremove, Twstat:
		return s.rerror(fc.Tag, errors.New("device tree is fixed"))

	default:
		return s.rerror(fc.Tag, fmt.Errorf("unknown message type %d", fc.Type))
	}

	return resp
}

func (s *Server) rerror(tag uint16, err error) *Fcall {
	return &Fcall{Type: Rerror, Tag: tag, Ename: err.Error()}
}
