// Package spi owns the in-system programming pins: the target's reset
// line and the four-byte command shifter every AVR serial-programming
// exchange uses.
package spi

import (
	"willow/hal"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

// SpiInfo is one four-byte exchange. The response is valid after the
// REPLY_INFO completion.
type SpiInfo struct {
	Cmd  [4]byte
	Resp [4]byte
}

type Service struct {
	port hal.IspPort
	node *kernel.Node
}

func New(port hal.IspPort) *Service {
	return &Service{port: port}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.JOB:
		info, ok := m.Ptr.(*SpiInfo)
		if !ok || info == nil {
			n.SendM4(proto.SPI, m.Sender, proto.REPLY_INFO, byte(errcode.EINVAL), info, 0)
			return errcode.EOK
		}
		resp, err := s.port.Transfer(info.Cmd)
		rc := errcode.Of(err)
		info.Resp = resp
		n.SendM4(proto.SPI, m.Sender, proto.REPLY_INFO, byte(rc), info, 0)
		return errcode.EOK

	case proto.SET_IOCTL:
		if proto.Ioctl(m.Mtype) != proto.PIOC_RESET {
			n.ReplyResult(m, errcode.ENOTTY)
			return errcode.EOK
		}
		s.port.TargetReset(m.Short != 0)
		n.ReplyResult(m, errcode.EOK)
		return errcode.EOK
	}
	return errcode.ENOMSG
}
