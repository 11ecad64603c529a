// Package serial is the UART driver task. The RX hook runs in
// interrupt context and fills a small ring; the registered consumer is
// told NOT_EMPTY once per empty-to-non-empty edge and drains with READ
// jobs. Console handover between line disciplines is nothing more than
// reassigning the consumer.
package serial

import (
	"sync"

	"willow/hal"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

const ringBytes = 64

type Service struct {
	port hal.Serial
	node *kernel.Node

	mu       sync.Mutex
	ring     [ringBytes]byte
	in, out  uint8
	overruns uint16
	consumer proto.TaskID
	notified bool
}

func New(port hal.Serial) *Service {
	return &Service{port: port}
}

func (s *Service) Config(n *kernel.Node) {
	s.node = n
	s.port.SetRx(s.onRx)
}

// Overruns counts receive bytes dropped against a full ring.
func (s *Service) Overruns() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overruns
}

func (s *Service) onRx(b byte) {
	notify := proto.NONE
	s.mu.Lock()
	if s.in-s.out >= ringBytes {
		s.overruns++
		s.mu.Unlock()
		return
	}
	s.ring[s.in%ringBytes] = b
	s.in++
	if !s.notified && s.consumer != proto.NONE {
		s.notified = true
		notify = s.consumer
	}
	s.mu.Unlock()
	if notify != proto.NONE {
		s.node.SendM1(proto.SER, notify, proto.NOT_EMPTY)
	}
}

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.READ:
		dst, ok := m.Ptr.([]byte)
		if !ok || len(dst) == 0 {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		s.mu.Lock()
		c := 0
		for c < len(dst) && s.out != s.in {
			dst[c] = s.ring[s.out%ringBytes]
			s.out++
			c++
		}
		if s.out == s.in {
			s.notified = false
		}
		s.mu.Unlock()
		n.SendM4(proto.SER, m.Sender, proto.REPLY_DATA, byte(errcode.EOK), dst, uint16(c))
		return errcode.EOK

	case proto.WRITE:
		p, ok := m.Ptr.([]byte)
		if !ok {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		rc := errcode.EOK
		if _, err := s.port.Write(p); err != nil {
			rc = errcode.EIO
		}
		n.ReplyResult(m, rc)
		return errcode.EOK

	case proto.SET_IOCTL:
		if proto.Ioctl(m.Mtype) != proto.SIOC_CONSUMER {
			n.ReplyResult(m, errcode.ENOTTY)
			return errcode.EOK
		}
		t := proto.TaskID(m.Short)
		s.mu.Lock()
		s.consumer = t
		// A ring already holding bytes greets the new consumer so
		// nothing sits unannounced across a handover.
		pending := s.in != s.out && t != proto.NONE
		s.notified = pending
		s.mu.Unlock()
		if pending {
			n.SendM1(proto.SER, t, proto.NOT_EMPTY)
		}
		n.ReplyResult(m, errcode.EOK)
		return errcode.EOK

	case proto.GET_IOCTL:
		if proto.Ioctl(m.Mtype) != proto.SIOC_CONSUMER {
			n.ReplyResult(m, errcode.ENOTTY)
			return errcode.EOK
		}
		s.mu.Lock()
		t := s.consumer
		s.mu.Unlock()
		n.SendM4(proto.SER, m.Sender, proto.REPLY_INFO, byte(errcode.EOK), nil, uint16(t))
		return errcode.EOK
	}
	return errcode.ENOMSG
}
