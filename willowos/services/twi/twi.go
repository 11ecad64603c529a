// Package twi drives the multi-master two-wire bus. Master jobs queue
// behind a small FSM that advances one bus action per MASTER_COMPLETE
// message, so arbitration and addressing outcomes arrive as ordinary
// dispatches. The slave half runs inside the hardware event hook at
// interrupt level: the first written byte of every frame is a tag that
// selects a standing response record, incoming bytes land in its
// buffer, and a repeated-start read is served from its supply hook
// without the owning task running at all.
package twi

import (
	"sync"

	"willow/hal"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

// Mode selects what a TwiInfo asks of the driver.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeMT        // master transmit: tag then Out
	ModeMR        // master receive into In
	ModeMTMR      // master transmit tag+Out, repeated start, receive into In
	ModeSR        // standing slave response for Tag at own address
	ModeGCSR      // standing slave response for Tag at the general call
)

// TwiInfo is a client-owned transfer record. Master modes fill Addr,
// Tag, Out and In; completion returns the record in a REPLY_INFO whose
// result slot holds the outcome and Done the received count. Slave
// modes register the record as a standing response: remote writes for
// Tag accumulate in In and are announced to Reply with opcode Op after
// stop; a remote read after the tag is served from the Supply hook.
// Supply runs in interrupt context and must not block.
type TwiInfo struct {
	next *TwiInfo

	Mode Mode
	Addr byte
	Tag  proto.Tag
	Out  []byte
	In   []byte
	Done uint16

	Op     proto.Opcode
	Reply  proto.TaskID
	Supply func(req []byte) []byte
}

const (
	maxResponses  = 8
	maxArbRetries = 3
)

type mstate uint8

const (
	msIdle mstate = iota
	msStart
	msAddrW
	msData
	msRestart
	msAddrR
	msRead
)

type sstate uint8

const (
	srIdle sstate = iota
	srRecv
	srSend
)

type Service struct {
	port  hal.TwiPort
	addr  byte
	gcall bool
	node  *kernel.Node

	// Master side. Touched only from the dispatcher.
	head, tail *TwiInfo
	current    *TwiInfo
	ms         mstate
	sent       int
	got        int
	retries    int
	deferred   bool

	// Slave side. Touched from the event hook; the mutex covers the
	// flags the dispatcher peeks at.
	mu        sync.Mutex
	regs      [maxResponses]*TwiInfo
	ss        sstate
	slaveBusy bool
	active    *TwiInfo
	haveTag   bool
	tag       proto.Tag
	fromGcall bool
	count     int
	supply    []byte
	supIdx    int
}

func New(port hal.TwiPort, addr byte, gcall bool) *Service {
	return &Service{port: port, addr: addr, gcall: gcall}
}

func (s *Service) Config(n *kernel.Node) {
	s.node = n
	s.port.SetOwnAddress(s.addr, s.gcall)
	s.port.SetEvent(s.event)
}

// Guard runs fn holding the slave lock, for owners refreshing a
// standing supply buffer the hook may be reading.
func (s *Service) Guard(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.JOB:
		info, ok := m.Ptr.(*TwiInfo)
		if !ok || info == nil {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		switch info.Mode {
		case ModeSR, ModeGCSR:
			rc := s.addResponse(info)
			n.SendM4(proto.TWI, m.Sender, proto.REPLY_INFO, byte(rc), info, 0)
			return errcode.EOK
		case ModeMT:
		case ModeMR, ModeMTMR:
			if len(info.In) == 0 {
				n.SendM4(proto.TWI, m.Sender, proto.REPLY_INFO, byte(errcode.EINVAL), info, 0)
				return errcode.EOK
			}
		default:
			n.SendM4(proto.TWI, m.Sender, proto.REPLY_INFO, byte(errcode.EINVAL), info, 0)
			return errcode.EOK
		}
		if info.Reply == proto.NONE {
			info.Reply = m.Sender
		}
		info.next = nil
		if s.tail == nil {
			s.head = info
		} else {
			s.tail.next = info
		}
		s.tail = info
		s.kick()
		return errcode.EOK

	case proto.MASTER_COMPLETE:
		s.master(m.Mtype)
		return errcode.EOK

	case proto.SLAVE_COMPLETE:
		if s.deferred {
			s.deferred = false
			s.begin()
		} else {
			s.kick()
		}
		return errcode.EOK
	}
	return errcode.ENOMSG
}

func (s *Service) addResponse(info *TwiInfo) errcode.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regs {
		if s.regs[i] == nil {
			s.regs[i] = info
			return errcode.EOK
		}
	}
	return errcode.ENOMEM
}

func (s *Service) lookup(tag proto.Tag, gcall bool) *TwiInfo {
	want := ModeSR
	if gcall {
		want = ModeGCSR
	}
	for _, r := range s.regs {
		if r != nil && r.Mode == want && r.Tag == tag {
			return r
		}
	}
	return nil
}

// kick starts the next queued job when the master is idle. A job
// deferred behind a busy slave half still owns current, so later
// arrivals stay queued behind it.
func (s *Service) kick() {
	if s.ms != msIdle || s.current != nil || s.head == nil {
		return
	}
	s.current = s.head
	s.head = s.current.next
	if s.head == nil {
		s.tail = nil
	}
	s.current.next = nil
	s.retries = 0
	s.begin()
}

func (s *Service) begin() {
	s.mu.Lock()
	busy := s.slaveBusy
	s.mu.Unlock()
	if busy {
		s.deferred = true
		return
	}
	s.sent = 0
	s.got = 0
	s.ms = msStart
	s.port.Start()
}

func (s *Service) finish(rc errcode.Code) {
	info := s.current
	s.current = nil
	s.ms = msIdle
	info.Done = uint16(s.got)
	s.node.SendM4(proto.TWI, info.Reply, proto.REPLY_INFO, byte(rc), info, info.Done)
	s.kick()
}

// master advances the FSM one hardware status at a time. Strobes are
// issued here, never inside the event hook.
func (s *Service) master(status byte) {
	if s.ms == msIdle || s.current == nil {
		return
	}
	info := s.current

	if status == hal.TwArbLost {
		s.retries++
		if s.retries <= maxArbRetries {
			s.begin()
			return
		}
		s.finish(errcode.EAGAIN)
		return
	}
	if status == hal.TwBusError {
		s.port.Stop()
		s.finish(errcode.EPROTO)
		return
	}

	switch s.ms {
	case msStart:
		if status != hal.TwStart {
			break
		}
		if info.Mode == ModeMR {
			s.ms = msAddrR
			s.port.WriteByte(info.Addr<<1 | 1)
		} else {
			s.ms = msAddrW
			s.port.WriteByte(info.Addr << 1)
		}
		return

	case msAddrW:
		switch status {
		case hal.TwMTSlaACK:
			s.ms = msData
			s.sent = 1
			s.port.WriteByte(byte(info.Tag))
			return
		case hal.TwMTSlaNACK:
			s.port.Stop()
			s.finish(errcode.EHOSTDOWN)
			return
		}

	case msData:
		switch status {
		case hal.TwMTDataACK:
			if s.sent <= len(info.Out) {
				b := info.Out[s.sent-1]
				s.sent++
				s.port.WriteByte(b)
				return
			}
			if info.Mode == ModeMTMR {
				s.ms = msRestart
				s.port.Start()
				return
			}
			s.port.Stop()
			s.finish(errcode.EOK)
			return
		case hal.TwMTDataNACK:
			s.port.Stop()
			s.finish(errcode.ECOMM)
			return
		}

	case msRestart:
		if status != hal.TwRepStart {
			break
		}
		s.ms = msAddrR
		s.port.WriteByte(info.Addr<<1 | 1)
		return

	case msAddrR:
		switch status {
		case hal.TwMRSlaACK:
			s.ms = msRead
			s.port.ReadByte(len(info.In) > 1)
			return
		case hal.TwMRSlaNACK:
			s.port.Stop()
			s.finish(errcode.EHOSTDOWN)
			return
		}

	case msRead:
		switch status {
		case hal.TwMRDataACK:
			info.In[s.got] = s.port.Data()
			s.got++
			s.port.ReadByte(s.got < len(info.In)-1)
			return
		case hal.TwMRDataNACK:
			info.In[s.got] = s.port.Data()
			s.got++
			s.port.Stop()
			s.finish(errcode.EOK)
			return
		}
	}

	s.port.Stop()
	s.finish(errcode.EPROTO)
}

// event is the hardware hook. Slave statuses are handled right here at
// interrupt level; master statuses are queued to the dispatcher so the
// FSM never strobes from inside the hook.
func (s *Service) event(status byte) {
	switch status {
	case hal.TwSRSlaACK, hal.TwSRGcallACK, hal.TwSRDataACK, hal.TwSRGcallData,
		hal.TwSRStop, hal.TwSTSlaACK, hal.TwSTDataACK, hal.TwSTDataNACK:
		s.slave(status)
	default:
		s.node.SendM2(proto.TWI, proto.TWI, proto.MASTER_COMPLETE, status)
	}
}

func (s *Service) slave(status byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case hal.TwSRSlaACK, hal.TwSRGcallACK:
		s.ss = srRecv
		s.slaveBusy = true
		s.active = nil
		s.haveTag = false
		s.fromGcall = status == hal.TwSRGcallACK
		s.count = 0

	case hal.TwSRDataACK, hal.TwSRGcallData:
		if s.ss != srRecv {
			return
		}
		b := s.port.Data()
		if !s.haveTag {
			s.haveTag = true
			s.tag = proto.Tag(b)
			s.active = s.lookup(s.tag, s.fromGcall)
			return
		}
		if s.active != nil && s.count < len(s.active.In) {
			s.active.In[s.count] = b
			s.count++
		}

	case hal.TwSRStop:
		// 0xA0 fires on stop and on repeated start alike. Keep the tag
		// context: a repeated start means the master is coming back to
		// read, and the supply hook needs what was just written.
		// Registrations with a supply hook are request frames served
		// entirely here, so their owner is not told.
		if s.ss == srRecv && s.active != nil && s.haveTag && s.active.Supply == nil {
			s.node.SendM4(proto.TWI, s.active.Reply, s.active.Op, byte(s.tag), s.active.In, uint16(s.count))
		}
		s.ss = srIdle
		s.slaveBusy = false
		s.node.SendM1(proto.TWI, proto.TWI, proto.SLAVE_COMPLETE)

	case hal.TwSTSlaACK:
		// Repeated-start read after the tag write. The supply hook
		// resolves the outgoing window now, in interrupt context.
		s.ss = srSend
		s.slaveBusy = true
		s.supply = nil
		s.supIdx = 0
		if s.active != nil && s.active.Supply != nil {
			s.supply = s.active.Supply(s.active.In[:s.count])
		}
		if len(s.supply) > 0 {
			s.port.SupplyByte(s.supply[0])
			s.supIdx = 1
		} else {
			s.port.SupplyByte(0xFF)
		}

	case hal.TwSTDataACK:
		if s.supIdx < len(s.supply) {
			s.port.SupplyByte(s.supply[s.supIdx])
			s.supIdx++
		} else {
			s.port.SupplyByte(0xFF)
		}

	case hal.TwSTDataNACK:
		s.slaveDone()
	}
}

// slaveDone resets the slave half and nudges the dispatcher so a
// deferred master job can start. Caller holds the mutex.
func (s *Service) slaveDone() {
	s.ss = srIdle
	s.slaveBusy = false
	s.active = nil
	s.haveTag = false
	s.supply = nil
	s.supIdx = 0
	s.node.SendM1(proto.TWI, proto.TWI, proto.SLAVE_COMPLETE)
}
