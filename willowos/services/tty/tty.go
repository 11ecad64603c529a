// Package tty is the console output stage: a bounded byte buffer ahead
// of the UART with cooked-mode newline translation. Requests either
// fit whole or are refused with ENOMEM; a refused writer may be told
// NOT_BUSY when space frees, and SYNC answers once everything queued
// has reached the wire.
package tty

import (
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

const (
	bufBytes   = 256
	chunkBytes = 16
)

type Service struct {
	node *kernel.Node

	buf     [bufBytes]byte
	in, out uint16
	mode    byte

	inflight bool
	chunk    [chunkBytes]byte

	waiter proto.TaskID
	syncer proto.TaskID
}

func New() *Service {
	return &Service{mode: proto.TTY_COOKED, waiter: proto.NONE, syncer: proto.NONE}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

func (s *Service) free() uint16 { return bufBytes - (s.in - s.out) }

// need is the buffered size of p under the current discipline: cooked
// mode expands every LF to CRLF.
func (s *Service) need(p []byte) uint16 {
	n := uint16(len(p))
	if s.mode == proto.TTY_COOKED {
		for _, b := range p {
			if b == '\n' {
				n++
			}
		}
	}
	return n
}

func (s *Service) push(b byte) {
	s.buf[s.in%bufBytes] = b
	s.in++
}

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.WRITE:
		p, ok := m.Ptr.([]byte)
		if !ok {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		if s.need(p) > s.free() {
			// Whole lines only. The refused writer is the one told
			// when space frees.
			s.waiter = m.Sender
			n.ReplyResult(m, errcode.ENOMEM)
			return errcode.EOK
		}
		for _, b := range p {
			if b == '\n' && s.mode == proto.TTY_COOKED {
				s.push('\r')
			}
			s.push(b)
		}
		n.ReplyResult(m, errcode.EOK)
		s.kick(n)
		return errcode.EOK

	case proto.REPLY_RESULT:
		// The UART finished a chunk. Whatever it thought of it, the
		// bytes are gone; move on.
		if m.Sender != proto.SER {
			return errcode.EOK
		}
		s.inflight = false
		if s.waiter != proto.NONE && s.free() > 0 {
			n.SendM1(proto.TTY, s.waiter, proto.NOT_BUSY)
			s.waiter = proto.NONE
		}
		if s.syncer != proto.NONE && s.in == s.out {
			n.SendM2(proto.TTY, s.syncer, proto.REPLY_RESULT, byte(errcode.EOK))
			s.syncer = proto.NONE
		}
		s.kick(n)
		return errcode.EOK

	case proto.SYNC:
		if s.in == s.out && !s.inflight {
			n.ReplyResult(m, errcode.EOK)
			return errcode.EOK
		}
		if s.syncer != proto.NONE {
			n.ReplyResult(m, errcode.EBUSY)
			return errcode.EOK
		}
		s.syncer = m.Sender
		return errcode.EOK

	case proto.SET_IOCTL:
		if proto.Ioctl(m.Mtype) != proto.TIOC_MODE {
			n.ReplyResult(m, errcode.ENOTTY)
			return errcode.EOK
		}
		switch byte(m.Short) {
		case proto.TTY_COOKED, proto.TTY_RAW:
			s.mode = byte(m.Short)
			n.ReplyResult(m, errcode.EOK)
		default:
			n.ReplyResult(m, errcode.EINVAL)
		}
		return errcode.EOK

	case proto.GET_IOCTL:
		if proto.Ioctl(m.Mtype) != proto.TIOC_MODE {
			n.ReplyResult(m, errcode.ENOTTY)
			return errcode.EOK
		}
		n.SendM4(proto.TTY, m.Sender, proto.REPLY_INFO, byte(errcode.EOK), nil, uint16(s.mode))
		return errcode.EOK
	}
	return errcode.ENOMSG
}

// kick starts the next UART chunk when idle. One job in flight at a
// time keeps ordering trivial.
func (s *Service) kick(n *kernel.Node) {
	if s.inflight || s.in == s.out {
		return
	}
	c := 0
	for c < chunkBytes && s.out != s.in {
		s.chunk[c] = s.buf[s.out%bufBytes]
		s.out++
		c++
	}
	s.inflight = true
	n.SendM3(proto.TTY, proto.SER, proto.WRITE, s.chunk[:c], 0)
}
