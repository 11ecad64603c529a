// Package icsp reprograms the part wired to the programming pins. The
// hex dialogue opens a session and feeds it Intel-HEX records one at a
// time; every bus action is a single four-byte exchange through the
// SPI task, so the machine advances on REPLY_INFO completions and
// never blocks. The part's page buffer does the byte staging; this
// side only tracks which page is open and when to commit it.
package icsp

import (
	"fmt"

	"willow/hal"
	"willow/ihex"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/spi"
)

// Session states. stEnabled is momentary: the programming-enable echo
// has been verified and the machine collapses straight into the
// signature read.
const (
	stIdle byte = iota
	stResetAsserted
	stEnabled
	stReadingSig
	stProgramming
	stVerifying
	stReleasing
	stDone
)

// MISC record address field: subfunction in the high byte, selection
// in the low byte. Fuse selections are 0 low, 1 high, 2 extended.
// Signature and calibration are read-only.
const (
	subFuse        = 0
	subLock        = 1
	subSignature   = 2
	subCalibration = 3
)

// Erase record address field.
const (
	eraseChip   = 0
	eraseEeprom = 1
)

// Read-back modes carried in the third data byte of a READ_DATA
// record, after the little-endian count.
const (
	readDump  = 0
	readBlank = 1
)

const (
	flashBytes  = hal.TargetFlashBytes
	eepromBytes = hal.TargetEepromBytes
	pageMask    = hal.TargetPageBytes - 1

	maxEnableTries = 3
	maxReadBytes   = 64
)

// Reset release reasons.
const (
	relDone byte = iota
	relFail
	relAbort
)

// IcspInfo is the programmer's working record: identity bytes read
// from the part, programming counters, and the address the next data
// record is expected to continue at.
type IcspInfo struct {
	Sig      [3]byte
	Fuses    [3]byte
	Lock     byte
	Cal      byte
	Pages    uint16
	Bytes    uint16
	Expected uint16
}

type Service struct {
	node    *kernel.Node
	info    IcspInfo
	state   byte
	seg     byte // 0 flash, 1 eeprom
	starter proto.TaskID
	client  proto.TaskID
	active  bool

	tries int
	pulse byte // enable retry: 1 release in flight, 2 re-assert in flight

	pageAddr  uint16
	havePage  bool
	flushing  bool
	flushNext bool
	eof       bool

	elaPending bool
	pendSeg    byte

	rtype byte
	raddr uint16
	rdata [ihex.MaxData]byte
	rlen  int
	idx   int

	mode    byte
	want    int
	readBuf [maxReadBytes]byte

	rel    byte
	failRC errcode.Code

	reply []byte
	xfer  spi.SpiInfo
}

func New() *Service {
	return &Service{}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

// Info snapshots the working record.
func (s *Service) Info() IcspInfo { return s.info }

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.START:
		if s.state != stIdle && s.state != stDone {
			n.SendM4(proto.ISP, m.Sender, proto.REPLY_INFO, byte(errcode.EBUSY), nil, 0)
			return errcode.EOK
		}
		s.starter = m.Sender
		s.info = IcspInfo{}
		s.seg = 0
		s.havePage = false
		s.flushing = false
		s.flushNext = false
		s.eof = false
		s.elaPending = false
		s.active = false
		s.tries = 0
		s.pulse = 0
		s.state = stResetAsserted
		n.SendM4(proto.ISP, proto.SPI, proto.SET_IOCTL, byte(proto.PIOC_RESET), nil, 1)
		return errcode.EOK

	case proto.TERM:
		if s.state == stIdle || s.state == stDone || s.state == stReleasing {
			return errcode.EOK
		}
		s.active = false
		s.release(n, relAbort)
		return errcode.EOK

	case proto.JOB:
		rec, ok := m.Ptr.(*ihex.Record)
		if !ok || rec == nil {
			n.SendM4(proto.ISP, m.Sender, proto.REPLY_INFO, byte(errcode.EINVAL), nil, 0)
			return errcode.EOK
		}
		if s.active {
			n.SendM4(proto.ISP, m.Sender, proto.REPLY_INFO, byte(errcode.EBUSY), nil, 0)
			return errcode.EOK
		}
		if s.state != stProgramming {
			n.SendM4(proto.ISP, m.Sender, proto.REPLY_INFO, byte(errcode.EPERM), nil, 0)
			return errcode.EOK
		}
		s.client = m.Sender
		s.begin(n, rec)
		return errcode.EOK

	case proto.REPLY_RESULT:
		if m.Sender != proto.SPI {
			return errcode.EOK
		}
		s.resetAck(n)
		return errcode.EOK

	case proto.REPLY_INFO:
		if m.Sender != proto.SPI || m.Ptr != &s.xfer {
			return errcode.EOK
		}
		s.advance(n, errcode.Code(m.Mtype))
		return errcode.EOK
	}
	return errcode.ENOMSG
}

func (s *Service) shift(n *kernel.Node, cmd [4]byte) {
	s.xfer.Cmd = cmd
	n.SendM3(proto.ISP, proto.SPI, proto.JOB, &s.xfer, 0)
}

func (s *Service) enable(n *kernel.Node) {
	s.tries++
	s.shift(n, [4]byte{0xAC, 0x53, 0x00, 0x00})
}

func (s *Service) release(n *kernel.Node, why byte) {
	s.rel = why
	s.state = stReleasing
	n.SendM4(proto.ISP, proto.SPI, proto.SET_IOCTL, byte(proto.PIOC_RESET), nil, 0)
}

func (s *Service) fail(n *kernel.Node, rc errcode.Code) {
	s.failRC = rc
	s.release(n, relFail)
}

// resetAck consumes SET_IOCTL acknowledgements from SPI: the initial
// reset assert, the release/re-assert pulse of an enable retry, and
// the final release.
func (s *Service) resetAck(n *kernel.Node) {
	switch s.state {
	case stResetAsserted:
		switch s.pulse {
		case 1:
			s.pulse = 2
			n.SendM4(proto.ISP, proto.SPI, proto.SET_IOCTL, byte(proto.PIOC_RESET), nil, 1)
		case 2:
			s.pulse = 0
			s.enable(n)
		default:
			s.enable(n)
		}
	case stReleasing:
		switch s.rel {
		case relDone:
			s.state = stDone
			s.complete(n, errcode.EOK)
		case relFail:
			s.state = stIdle
			n.SendM4(proto.ISP, s.starter, proto.REPLY_INFO, byte(s.failRC), nil, 0)
		default:
			s.state = stIdle
		}
	}
}

// advance consumes one transfer completion.
func (s *Service) advance(n *kernel.Node, rc errcode.Code) {
	switch s.state {
	case stResetAsserted:
		if rc != errcode.EOK {
			s.fail(n, rc)
			return
		}
		if s.xfer.Resp[2] != 0x53 {
			if s.tries >= maxEnableTries {
				s.fail(n, errcode.EIO)
				return
			}
			// Out of sync: pulse reset and resend.
			s.pulse = 1
			n.SendM4(proto.ISP, proto.SPI, proto.SET_IOCTL, byte(proto.PIOC_RESET), nil, 0)
			return
		}
		s.state = stReadingSig
		s.idx = 0
		s.shift(n, [4]byte{0x30, 0x00, 0x00, 0x00})

	case stReadingSig:
		if rc != errcode.EOK {
			s.fail(n, rc)
			return
		}
		s.info.Sig[s.idx] = s.xfer.Resp[3]
		s.idx++
		if s.idx < 3 {
			s.shift(n, [4]byte{0x30, 0x00, byte(s.idx), 0x00})
			return
		}
		if s.info.Sig[0] != 0x1E {
			// No part answering, or not one this programmer knows.
			s.fail(n, errcode.EIO)
			return
		}
		s.state = stProgramming
		n.SendM4(proto.ISP, s.starter, proto.REPLY_INFO, byte(errcode.EOK), nil, 0)

	case stProgramming:
		if !s.active {
			return
		}
		if rc != errcode.EOK {
			s.complete(n, rc)
			return
		}
		if s.flushing {
			s.flushing = false
			if s.eof {
				s.release(n, relDone)
				return
			}
			if s.elaPending {
				s.elaPending = false
				s.seg = s.pendSeg
				s.info.Expected = 0
				s.complete(n, errcode.EOK)
				return
			}
			s.dataStep(n)
			return
		}
		switch s.rtype {
		case ihex.TypeData:
			if s.seg == 1 {
				s.eepromStep(n)
			} else {
				s.dataStep(n)
			}
		case ihex.TypeMiscWrite:
			s.storeMisc(s.rdata[0])
			s.complete(n, errcode.EOK)
		case ihex.TypeMiscRead:
			v := s.xfer.Resp[3]
			s.storeMisc(v)
			s.reply = fmt.Appendf(s.reply[:0], "%02X\n", v)
			s.completeLine(n)
		case ihex.TypeErase:
			s.eraseStep(n)
		}

	case stVerifying:
		if rc != errcode.EOK {
			s.state = stProgramming
			s.complete(n, rc)
			return
		}
		s.readBuf[s.idx] = s.xfer.Resp[3]
		s.idx++
		if s.idx < s.want {
			s.shiftRead(n)
			return
		}
		s.state = stProgramming
		s.readReply(n)
	}
}

// begin dispatches one record.
func (s *Service) begin(n *kernel.Node, rec *ihex.Record) {
	s.rtype = rec.Type
	s.raddr = rec.Addr
	s.rlen = copy(s.rdata[:], rec.Data)
	s.idx = 0
	s.active = true

	switch rec.Type {
	case ihex.TypeData:
		if s.rlen == 0 {
			s.complete(n, errcode.EOK)
			return
		}
		if s.seg == 1 {
			if int(s.raddr)+s.rlen > eepromBytes {
				s.complete(n, errcode.EINVAL)
				return
			}
			s.eepromStep(n)
			return
		}
		if int(s.raddr)+s.rlen > flashBytes {
			s.complete(n, errcode.EINVAL)
			return
		}
		s.dataStep(n)

	case ihex.TypeEOF:
		s.eof = true
		if s.havePage {
			s.flushPage(n)
			return
		}
		s.release(n, relDone)

	case ihex.TypeExtLinear:
		if s.rlen != 2 {
			s.complete(n, errcode.EINVAL)
			return
		}
		seg := byte(0)
		if uint16(s.rdata[0])<<8|uint16(s.rdata[1]) == ihex.EepromSegment {
			seg = 1
		}
		if s.havePage {
			s.elaPending = true
			s.pendSeg = seg
			s.flushPage(n)
			return
		}
		s.seg = seg
		s.info.Expected = 0
		s.complete(n, errcode.EOK)

	case ihex.TypeMiscWrite:
		s.miscWrite(n)

	case ihex.TypeMiscRead:
		s.miscRead(n)

	case ihex.TypeErase:
		switch s.raddr {
		case eraseChip:
			s.shift(n, [4]byte{0xAC, 0x80, 0x00, 0x00})
		case eraseEeprom:
			s.shift(n, [4]byte{0xC0, 0x00, 0x00, 0xFF})
		default:
			s.complete(n, errcode.EINVAL)
		}

	case ihex.TypeReadData:
		if s.rlen < 3 {
			s.complete(n, errcode.EINVAL)
			return
		}
		cnt := int(s.rdata[0]) | int(s.rdata[1])<<8
		mode := s.rdata[2]
		limit := flashBytes
		if s.seg == 1 {
			limit = eepromBytes
		}
		if cnt == 0 || cnt > maxReadBytes || mode > readBlank || int(s.raddr)+cnt > limit {
			s.complete(n, errcode.EINVAL)
			return
		}
		s.want = cnt
		s.mode = mode
		s.state = stVerifying
		s.shiftRead(n)

	default:
		s.complete(n, errcode.EINVAL)
	}
}

// dataStep is the resumable flash walker: commit the open page when
// the next byte falls outside it, stage the next byte otherwise, and
// commit as soon as a page fills.
func (s *Service) dataStep(n *kernel.Node) {
	if s.flushNext {
		s.flushNext = false
		s.flushPage(n)
		return
	}
	if s.idx >= s.rlen {
		s.info.Expected = s.raddr + uint16(s.rlen)
		s.complete(n, errcode.EOK)
		return
	}
	a := s.raddr + uint16(s.idx)
	if s.havePage && a&^pageMask != s.pageAddr {
		s.flushPage(n)
		return
	}
	if !s.havePage {
		s.pageAddr = a &^ pageMask
		s.havePage = true
	}
	w := a >> 1
	c := byte(0x40)
	if a&1 == 1 {
		c = 0x48
	}
	s.shift(n, [4]byte{c, byte(w >> 8), byte(w), s.rdata[s.idx]})
	s.idx++
	s.info.Bytes++
	if a&pageMask == pageMask {
		s.flushNext = true
	}
}

func (s *Service) flushPage(n *kernel.Node) {
	w := s.pageAddr >> 1
	s.flushing = true
	s.havePage = false
	s.info.Pages++
	s.shift(n, [4]byte{0x4C, byte(w >> 8), byte(w), 0x00})
}

func (s *Service) eepromStep(n *kernel.Node) {
	if s.idx >= s.rlen {
		s.info.Expected = s.raddr + uint16(s.rlen)
		s.complete(n, errcode.EOK)
		return
	}
	a := s.raddr + uint16(s.idx)
	s.shift(n, [4]byte{0xC0, byte(a >> 8), byte(a), s.rdata[s.idx]})
	s.idx++
	s.info.Bytes++
}

func (s *Service) eraseStep(n *kernel.Node) {
	if s.raddr == eraseChip {
		s.complete(n, errcode.EOK)
		return
	}
	s.idx++
	if s.idx >= eepromBytes {
		s.complete(n, errcode.EOK)
		return
	}
	a := uint16(s.idx)
	s.shift(n, [4]byte{0xC0, byte(a >> 8), byte(a), 0xFF})
}

func (s *Service) miscWrite(n *kernel.Node) {
	if s.rlen < 1 {
		s.complete(n, errcode.EINVAL)
		return
	}
	v := s.rdata[0]
	sub, sel := byte(s.raddr>>8), byte(s.raddr)
	var cmd [4]byte
	switch {
	case sub == subFuse && sel == 0:
		cmd = [4]byte{0xAC, 0xA0, 0x00, v}
	case sub == subFuse && sel == 1:
		cmd = [4]byte{0xAC, 0xA8, 0x00, v}
	case sub == subFuse && sel == 2:
		cmd = [4]byte{0xAC, 0xA4, 0x00, v}
	case sub == subLock:
		cmd = [4]byte{0xAC, 0xE0, 0x00, v}
	default:
		s.complete(n, errcode.EINVAL)
		return
	}
	s.shift(n, cmd)
}

func (s *Service) miscRead(n *kernel.Node) {
	sub, sel := byte(s.raddr>>8), byte(s.raddr)
	var cmd [4]byte
	switch {
	case sub == subFuse && sel == 0:
		cmd = [4]byte{0x50, 0x00, 0x00, 0x00}
	case sub == subFuse && sel == 1:
		cmd = [4]byte{0x58, 0x08, 0x00, 0x00}
	case sub == subFuse && sel == 2:
		cmd = [4]byte{0x50, 0x08, 0x00, 0x00}
	case sub == subLock:
		cmd = [4]byte{0x58, 0x00, 0x00, 0x00}
	case sub == subSignature && sel < 3:
		cmd = [4]byte{0x30, 0x00, sel, 0x00}
	case sub == subCalibration:
		cmd = [4]byte{0x38, 0x00, 0x00, 0x00}
	default:
		s.complete(n, errcode.EINVAL)
		return
	}
	s.shift(n, cmd)
}

// storeMisc mirrors a fuse, lock, signature or calibration byte into
// the working record.
func (s *Service) storeMisc(v byte) {
	sub, sel := byte(s.raddr>>8), byte(s.raddr)
	switch {
	case sub == subFuse && sel < 3:
		s.info.Fuses[sel] = v
	case sub == subLock:
		s.info.Lock = v
	case sub == subSignature && sel < 3:
		s.info.Sig[sel] = v
	case sub == subCalibration:
		s.info.Cal = v
	}
}

func (s *Service) shiftRead(n *kernel.Node) {
	a := s.raddr + uint16(s.idx)
	if s.seg == 1 {
		s.shift(n, [4]byte{0xA0, byte(a >> 8), byte(a), 0x00})
		return
	}
	w := a >> 1
	c := byte(0x20)
	if a&1 == 1 {
		c = 0x28
	}
	s.shift(n, [4]byte{c, byte(w >> 8), byte(w), 0x00})
}

// readReply builds the completion line for a READ_DATA record: the
// first non-blank address or "blank" for a blank check, data records
// for a dump.
func (s *Service) readReply(n *kernel.Node) {
	if s.mode == readBlank {
		for i := 0; i < s.want; i++ {
			if s.readBuf[i] != 0xFF {
				s.reply = fmt.Appendf(s.reply[:0], "%04X\n", s.raddr+uint16(i))
				s.completeLine(n)
				return
			}
		}
		s.reply = append(s.reply[:0], "blank\n"...)
		s.completeLine(n)
		return
	}
	s.reply = s.reply[:0]
	for off := 0; off < s.want; off += 16 {
		end := off + 16
		if end > s.want {
			end = s.want
		}
		s.reply = ihex.AppendData(s.reply, s.raddr+uint16(off), s.readBuf[off:end])
		s.reply = append(s.reply, '\n')
	}
	s.completeLine(n)
}

func (s *Service) complete(n *kernel.Node, rc errcode.Code) {
	s.active = false
	n.SendM4(proto.ISP, s.client, proto.REPLY_INFO, byte(rc), nil, 0)
}

func (s *Service) completeLine(n *kernel.Node) {
	s.active = false
	n.SendM4(proto.ISP, s.client, proto.REPLY_INFO, byte(errcode.EOK), s.reply, uint16(len(s.reply)))
}
