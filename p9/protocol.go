// Package p9 carries the device tree of a driver server over a minimal
// 9P2000 connection. Only the messages a fixed, flat device tree needs
// are dispatched; everything else answers Rerror.
package p9

import "fmt"

// 9P2000 message types
const (
	Tversion = 100
	Rversion = 101
	Tauth    = 102
	Rauth    = 103
	Tattach  = 104
	Rattach  = 105
	Terror   = 106 // illegal
	Rerror   = 107
	Tflush   = 108
	Rflush   = 109
	Twalk    = 110
	Rwalk    = 111
	Topen    = 112
	Ropen    = 113
	Tcreate  = 114
	Rcreate  = 115
	Tread    = 116
	Rread    = 117
	Twrite   = 118
	Rwrite   = 119
	Tclunk   = 120
	Rclunk   = 121
	Tremove  = 122
	Rremove  = 123
	Tstat    = 124
	Rstat    = 125
	Twstat   = 126
	Rwstat   = 127
)

// Qid types
const (
	QTDIR  = 0x80
	QTEXCL = 0x20
	QTAUTH = 0x08
	QTFILE = 0x00
)

// Open modes
const (
	OREAD  = 0
	OWRITE = 1
	ORDWR  = 2
	OEXEC  = 3
	OTRUNC = 0x10
)

// Dir mode bit
const DMDIR = 0x80000000

const (
	NOTAG uint16 = 0xFFFF
	NOFID uint32 = 0xFFFFFFFF
)

// Qid uniquely identifies a file on the server.
type Qid struct {
	Type uint8
	Vers uint32
	Path uint64
}

// Stat is the 9P2000 directory entry for a file.
type Stat struct {
	Type   uint16
	Dev    uint32
	Qid    Qid
	Mode   uint32
	Atime  uint32
	Mtime  uint32
	Length uint64
	Name   string
	UID    string
	GID    string
	MUID   string
}

// Fcall is a decoded 9P message. Only the fields relevant to the
// message's Type are populated.
type Fcall struct {
	Type uint8
	Tag  uint16

	Fid    uint32
	Afid   uint32
	Newfid uint32
	Oldtag uint16

	// Tversion/Rversion
	Msize   uint32
	Version string

	// Tattach
	Uname string
	Aname string

	// Twalk/Rwalk
	Wname []string
	Wqid  []Qid

	// Topen/Ropen
	Mode   uint8
	Qid    Qid
	Iounit uint32

	// Tread/Rread/Twrite/Rwrite
	Offset uint64
	Count  uint32
	Data   []byte

	// Rerror
	Ename string

	// Rstat
	Stat Stat
}

func (fc *Fcall) String() string {
	return fmt.Sprintf("Fcall{Type:%d Tag:%d Fid:%d}", fc.Type, fc.Tag, fc.Fid)
}

// encoder builds the little-endian body of a 9P message.
type encoder struct {
	data []byte
}

func (e *encoder) u8(v uint8)   { e.data = append(e.data, v) }
func (e *encoder) u16(v uint16) { e.data = append(e.data, byte(v), byte(v>>8)) }
func (e *encoder) u32(v uint32) {
	e.data = append(e.data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (e *encoder) u64(v uint64) {
	e.u32(uint32(v))
	e.u32(uint32(v >> 32))
}
func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.data = append(e.data, s...)
}
func (e *encoder) raw(b []byte) { e.data = append(e.data, b...) }

func (e *encoder) qid(q Qid) {
	e.u8(q.Type)
	e.u32(q.Vers)
	e.u64(q.Path)
}

func (e *encoder) stat(st Stat) {
	var body encoder
	body.u16(st.Type)
	body.u32(st.Dev)
	body.qid(st.Qid)
	body.u32(st.Mode)
	body.u32(st.Atime)
	body.u32(st.Mtime)
	body.u64(st.Length)
	body.str(st.Name)
	body.str(st.UID)
	body.str(st.GID)
	body.str(st.MUID)
	e.u16(uint16(len(body.data)))
	e.raw(body.data)
}

// Marshal returns the stat entry in 9P2000 wire form, including its
// leading size field. Directory reads concatenate these.
func (st Stat) Marshal() []byte {
	var e encoder
	e.stat(st)
	return e.data
}

// decoder consumes the little-endian body of a 9P message. The first
// decode error sticks; subsequent reads yield zero values.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.data) < n {
		d.err = fmt.Errorf("message truncated: need %d bytes, have %d", n, len(d.data))
		return nil
	}
	b := d.data[:n]
	d.data = d.data[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (d *decoder) u64() uint64 {
	lo := d.u32()
	hi := d.u32()
	return uint64(lo) | uint64(hi)<<32
}

func (d *decoder) str() string {
	n := d.u16()
	b := d.take(int(n))
	return string(b)
}

func (d *decoder) qid() Qid {
	return Qid{Type: d.u8(), Vers: d.u32(), Path: d.u64()}
}

// stat decodes a wire stat entry, including its leading size field.
func (d *decoder) stat() Stat {
	d.u16() // entry size
	var st Stat
	st.Type = d.u16()
	st.Dev = d.u32()
	st.Qid = d.qid()
	st.Mode = d.u32()
	st.Atime = d.u32()
	st.Mtime = d.u32()
	st.Length = d.u64()
	st.Name = d.str()
	st.UID = d.str()
	st.GID = d.str()
	st.MUID = d.str()
	return st
}
