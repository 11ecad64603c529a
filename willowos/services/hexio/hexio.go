// Package hexio is the node side of the programming dialogue: a lone
// '.' prompts the host for one Intel-HEX line, the parsed record goes
// to the programmer, and the completion decides what comes back - the
// next prompt, a reply line, or '$' when the file ends and the
// console returns to INP. A bad line prints err:<state>,<code> and
// tears the whole session down rather than guess at resynchronising.
//
// CLI feeds single records through WRITE; those run a private
// open-feed-release session without touching the console.
package hexio

import (
	"fmt"

	"willow/ihex"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

const (
	hxIdle byte = iota
	hxOpen     // dialogue: programmer session opening
	hxLine     // dialogue: collecting a record line
	hxWait     // dialogue: record in flight
	hxShotOpen // single record: session opening
	hxShotWait // single record in flight
)

type Service struct {
	node *kernel.Node

	line []byte
	used int

	state byte

	rec     ihex.Record
	rdbuf   [16]byte
	carry   [16]byte
	carryN  int
	scratch []byte
}

// New takes the line buffer, a RAM arena window like INP's.
func New(line []byte) *Service {
	return &Service{line: line, scratch: make([]byte, 0, 64)}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK

	case proto.START:
		if s.state != hxIdle {
			return errcode.EOK
		}
		s.state = hxOpen
		s.used = 0
		n.SendM4(proto.HEX, proto.SER, proto.SET_IOCTL, byte(proto.SIOC_CONSUMER), nil, uint16(proto.HEX))
		n.SendM1(proto.HEX, proto.ISP, proto.START)
		return errcode.EOK

	case proto.WRITE:
		s.shot(n, m)
		return errcode.EOK

	case proto.NOT_EMPTY:
		if s.state != hxLine {
			return errcode.EOK
		}
		n.SendM3(proto.HEX, proto.SER, proto.READ, s.rdbuf[:], 0)
		return errcode.EOK

	case proto.REPLY_DATA:
		if m.Sender != proto.SER || s.state != hxLine {
			return errcode.EOK
		}
		c := int(m.Short)
		s.feed(n, s.rdbuf[:c])
		if s.state != hxLine {
			return errcode.EOK
		}
		if c == len(s.rdbuf) {
			n.SendM3(proto.HEX, proto.SER, proto.READ, s.rdbuf[:], 0)
		}
		return errcode.EOK

	case proto.REPLY_INFO:
		if m.Sender != proto.ISP {
			return errcode.EOK
		}
		s.completion(n, m)
		return errcode.EOK

	case proto.REPLY_RESULT:
		// TTY write and SER ioctl acknowledgements.
		return errcode.EOK

	case proto.TERM, proto.RESET:
		if s.state == hxIdle {
			return errcode.EOK
		}
		s.abort(n)
		return errcode.EOK
	}
	return errcode.ENOMSG
}

// shot runs one record from CLI through a private session.
func (s *Service) shot(n *kernel.Node, m *kernel.Message) {
	text, ok := m.Ptr.([]byte)
	if !ok {
		return
	}
	if s.state != hxIdle {
		s.err(n, errcode.EBUSY)
		return
	}
	rec, perr := ihex.Parse(text)
	if perr != nil {
		s.err(n, errcode.EINVAL)
		return
	}
	s.rec = rec
	s.state = hxShotOpen
	n.SendM1(proto.HEX, proto.ISP, proto.START)
}

// feed runs received bytes through consume. When a record completes
// mid-run the rest of the run is a line the host sent ahead; it is
// kept and replayed at the next prompt.
func (s *Service) feed(n *kernel.Node, p []byte) {
	for i := 0; i < len(p); i++ {
		s.consume(n, p[i])
		if s.state == hxWait {
			s.carryN = copy(s.carry[:], p[i+1:])
			return
		}
		if s.state != hxLine {
			return
		}
	}
}

// consume accumulates one line byte; a terminator parses and fires.
func (s *Service) consume(n *kernel.Node, b byte) {
	if b != '\r' && b != '\n' {
		if s.used >= len(s.line) {
			s.err(n, errcode.ENOMEM)
			s.abort(n)
			return
		}
		s.line[s.used] = b
		s.used++
		return
	}
	if s.used == 0 {
		return
	}
	rec, perr := ihex.Parse(s.line[:s.used])
	s.used = 0
	if perr != nil {
		s.err(n, errcode.EINVAL)
		s.abort(n)
		return
	}
	s.rec = rec
	s.state = hxWait
	n.SendM3(proto.HEX, proto.ISP, proto.JOB, &s.rec, 0)
}

// completion consumes one programmer reply.
func (s *Service) completion(n *kernel.Node, m *kernel.Message) {
	rc := m.Result()
	switch s.state {
	case hxOpen:
		if rc != errcode.EOK {
			s.err(n, rc)
			s.close(n)
			return
		}
		s.prompt(n)

	case hxWait:
		if rc != errcode.EOK {
			s.err(n, rc)
			n.SendM1(proto.HEX, proto.ISP, proto.TERM)
			s.close(n)
			return
		}
		if s.rec.Type == ihex.TypeEOF {
			s.print(n, []byte("$\n"))
			s.close(n)
			return
		}
		if line, ok := m.Ptr.([]byte); ok && len(line) > 0 {
			s.print(n, line)
		}
		s.prompt(n)

	case hxShotOpen:
		if rc != errcode.EOK {
			s.err(n, rc)
			s.state = hxIdle
			return
		}
		s.state = hxShotWait
		n.SendM3(proto.HEX, proto.ISP, proto.JOB, &s.rec, 0)

	case hxShotWait:
		if rc != errcode.EOK {
			s.err(n, rc)
		} else if line, ok := m.Ptr.([]byte); ok && len(line) > 0 {
			s.print(n, line)
		} else {
			s.print(n, []byte("ok\n"))
		}
		n.SendM1(proto.HEX, proto.ISP, proto.TERM)
		s.state = hxIdle
	}
}

// prompt asks the host for the next line. The read is unconditional:
// a line the host sent ahead of the prompt is already in the ring and
// raised its edge notification long ago, so waiting for NOT_EMPTY
// here would hang the dialogue.
func (s *Service) prompt(n *kernel.Node) {
	s.state = hxLine
	s.print(n, []byte("."))
	if t := s.carryN; t > 0 {
		s.carryN = 0
		s.feed(n, s.carry[:t])
		if s.state != hxLine {
			return
		}
	}
	n.SendM3(proto.HEX, proto.SER, proto.READ, s.rdbuf[:], 0)
}

// close ends the dialogue and hands the console back.
func (s *Service) close(n *kernel.Node) {
	s.state = hxIdle
	s.used = 0
	s.carryN = 0
	n.SendM1(proto.HEX, proto.INP, proto.START)
}

// abort tears the session down from any state. A single-record
// session never claimed the console, so there is nothing to hand
// back.
func (s *Service) abort(n *kernel.Node) {
	n.SendM1(proto.HEX, proto.ISP, proto.TERM)
	if s.state == hxShotOpen || s.state == hxShotWait {
		s.state = hxIdle
		return
	}
	s.close(n)
}

func (s *Service) err(n *kernel.Node, rc errcode.Code) {
	s.scratch = fmt.Appendf(s.scratch[:0], "err:%d,%d\n", s.state, rc)
	s.print(n, s.scratch)
}

func (s *Service) print(n *kernel.Node, p []byte) {
	out := make([]byte, len(p))
	copy(out, p)
	n.SendM3(proto.HEX, proto.TTY, proto.WRITE, out, 0)
}
