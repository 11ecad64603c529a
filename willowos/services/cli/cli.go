// Package cli is the word console behind INP's a command. It greets
// with "in cli", takes one word per line, and knows exactly two: inp
// hands the console back, icsp feeds one hex record to the programming
// dialogue. Anything else is answered "<word> ?".
package cli

import (
	"bytes"

	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

type Service struct {
	node *kernel.Node

	line  []byte
	used  int
	rdbuf [16]byte
}

// New takes the line buffer, a RAM arena window like INP's.
func New(line []byte) *Service {
	return &Service{line: line}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.START:
		n.SendM4(proto.CLI, proto.SER, proto.SET_IOCTL, byte(proto.SIOC_CONSUMER), nil, uint16(proto.CLI))
		s.used = 0
		s.print(n, []byte("in cli\n"))
		return errcode.EOK

	case proto.NOT_EMPTY:
		n.SendM3(proto.CLI, proto.SER, proto.READ, s.rdbuf[:], 0)
		return errcode.EOK

	case proto.REPLY_DATA:
		if m.Sender != proto.SER {
			return errcode.EOK
		}
		c := int(m.Short)
		for _, b := range s.rdbuf[:c] {
			s.consume(n, b)
		}
		if c == len(s.rdbuf) {
			n.SendM3(proto.CLI, proto.SER, proto.READ, s.rdbuf[:], 0)
		}
		return errcode.EOK

	case proto.REPLY_RESULT:
		return errcode.EOK
	}
	return errcode.ENOMSG
}

func (s *Service) consume(n *kernel.Node, b byte) {
	if b == '\r' || b == '\n' {
		ln := s.line[:s.used]
		s.used = 0
		s.execLine(n, ln)
		return
	}
	if s.used < len(s.line) {
		s.line[s.used] = b
		s.used++
	}
}

func (s *Service) execLine(n *kernel.Node, ln []byte) {
	ln = bytes.TrimLeft(ln, " ")
	if len(ln) == 0 {
		return
	}
	word := ln
	var rest []byte
	if sp := bytes.IndexByte(ln, ' '); sp >= 0 {
		word = ln[:sp]
		rest = bytes.TrimLeft(ln[sp+1:], " ")
	}

	switch string(word) {
	case "inp":
		n.SendM1(proto.CLI, proto.INP, proto.START)
	case "icsp":
		if len(rest) == 0 {
			s.what(n, word)
			return
		}
		rec := make([]byte, len(rest))
		copy(rec, rest)
		n.SendM3(proto.CLI, proto.HEX, proto.WRITE, rec, 0)
	default:
		s.what(n, word)
	}
}

func (s *Service) what(n *kernel.Node, word []byte) {
	out := make([]byte, 0, len(word)+3)
	out = append(out, word...)
	out = append(out, ' ', '?', '\n')
	s.print(n, out)
}

func (s *Service) print(n *kernel.Node, p []byte) {
	n.SendM3(proto.CLI, proto.TTY, proto.WRITE, p, 0)
}
