// Package dump reads out node RAM as Intel-HEX data records: to the
// console line by line, into a caller's buffer in one go, or over the
// bus when a peer writes a MEM_REQUEST frame and reads the window
// back. The raw emitter also serves the watchdog's post-mortem, which
// cannot go through the tasks it is reporting on.
package dump

import (
	"willow/hal"
	"willow/ihex"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/twi"
)

const rowBytes = 16

// DumpInfo names a RAM region. With Dst nil the lines go to the
// console and the requester is answered when the last one drains;
// with Dst set the lines are appended there and handed straight back.
type DumpInfo struct {
	Addr  uint16
	Count uint16
	Dst   []byte
}

type Service struct {
	node *kernel.Node
	ram  []byte

	reg    twi.TwiInfo
	params [4]byte

	busy   bool
	req    kernel.Message
	info   *DumpInfo
	addr   uint16
	remain uint16
	eof    bool
	line   []byte
	win    [256]byte
}

func New(ram []byte) *Service {
	return &Service{ram: ram, line: make([]byte, 0, 48)}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		s.reg = twi.TwiInfo{
			Mode:   twi.ModeSR,
			Tag:    proto.MEM_REQUEST,
			In:     s.params[:],
			Op:     proto.READ,
			Reply:  proto.DUMP,
			Supply: s.window,
		}
		n.SendM3(proto.DUMP, proto.TWI, proto.JOB, &s.reg, 0)
		return errcode.EOK

	case proto.READ:
		info, ok := m.Ptr.(*DumpInfo)
		if !ok || info == nil {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		if info.Count == 0 || int(info.Addr)+int(info.Count) > len(s.ram) {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		if info.Dst != nil {
			info.Dst = Image(info.Dst[:0], s.ram[info.Addr:int(info.Addr)+int(info.Count)], info.Addr)
			n.SendM4(proto.DUMP, m.Sender, proto.REPLY_DATA, byte(errcode.EOK), info, uint16(len(info.Dst)))
			return errcode.EOK
		}
		if s.busy {
			n.ReplyResult(m, errcode.EBUSY)
			return errcode.EOK
		}
		s.busy = true
		s.req = *m
		s.info = info
		s.addr = info.Addr
		s.remain = info.Count
		s.eof = false
		s.emit(n)
		return errcode.EOK

	case proto.REPLY_RESULT:
		if !s.busy || m.Sender != proto.TTY {
			return errcode.EOK
		}
		switch m.Result() {
		case errcode.EOK:
			if s.eof {
				s.busy = false
				n.ReplyResult(&s.req, errcode.EOK)
				return errcode.EOK
			}
			s.emit(n)
		case errcode.ENOMEM:
			// NOT_BUSY will re-run the same line.
		default:
			s.busy = false
			n.ReplyResult(&s.req, m.Result())
		}
		return errcode.EOK

	case proto.NOT_BUSY:
		if s.busy {
			s.send(n)
		}
		return errcode.EOK

	case proto.REPLY_INFO:
		// Registration acknowledgement.
		return errcode.EOK
	}
	return errcode.ENOMSG
}

// emit builds the next line and offers it to the console. After the
// last data row one EOF record closes the listing.
func (s *Service) emit(n *kernel.Node) {
	if s.remain == 0 {
		s.eof = true
		s.line = append(s.line[:0], ihex.Eof...)
		s.line = append(s.line, '\n')
		s.send(n)
		return
	}
	c := uint16(rowBytes)
	if s.remain < c {
		c = s.remain
	}
	s.line = ihex.AppendData(s.line[:0], s.addr, s.ram[s.addr:s.addr+c])
	s.line = append(s.line, '\n')
	s.addr += c
	s.remain -= c
	s.send(n)
}

func (s *Service) send(n *kernel.Node) {
	n.SendM3(proto.DUMP, proto.TTY, proto.WRITE, s.line, 0)
}

// window serves a MEM_REQUEST frame [addr lo, addr hi, count] from
// RAM. It runs in interrupt context on the bus goroutine while the
// dispatcher mirrors counters into the head of the same arena, so the
// bytes are sampled under the dispatcher guard.
func (s *Service) window(req []byte) []byte {
	if len(req) < 3 {
		return nil
	}
	off := int(req[0]) | int(req[1])<<8
	cnt := int(req[2])
	if cnt == 0 || off+cnt > len(s.ram) {
		return nil
	}
	var out []byte
	s.node.Guard(func() {
		out = append(s.win[:0], s.ram[off:off+cnt]...)
	})
	return out
}

// Image appends the region as hex records, one per line, EOF record
// last.
func Image(dst []byte, region []byte, base uint16) []byte {
	for len(region) > 0 {
		c := rowBytes
		if len(region) < c {
			c = len(region)
		}
		dst = ihex.AppendData(dst, base, region[:c])
		dst = append(dst, '\n')
		base += uint16(c)
		region = region[c:]
	}
	dst = append(dst, ihex.Eof...)
	dst = append(dst, '\n')
	return dst
}

// Raw writes the region's listing straight to the wire, CRLF framed,
// bypassing every task. The watchdog post-mortem comes through here.
func Raw(port hal.Serial, ram []byte, addr, count uint16) {
	var line []byte
	for count > 0 {
		c := uint16(rowBytes)
		if count < c {
			c = count
		}
		line = ihex.AppendData(line[:0], addr, ram[addr:addr+c])
		line = append(line, '\r', '\n')
		port.Write(line)
		addr += c
		count -= c
	}
	line = append(line[:0], ihex.Eof...)
	line = append(line, '\r', '\n')
	port.Write(line)
}
