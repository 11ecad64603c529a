// Package inp is the number-and-letter console. Digits accumulate as
// they arrive, commas stack arguments, a letter executes immediately
// with whatever was gathered, and anything else between a number and
// its letter is dropped without comment. A # opens a comment that is
// echoed back whole at the end of its line. There is no input echo;
// the terminal's own is expected.
//
// Commands: e build identifier, c dispatcher counters, a enter the
// word console, q reset, 999 W wedge for the watchdog, 0|1 B cooked or
// raw output, 1 L open the programming dialogue.
package inp

import (
	"fmt"

	"willow/internal/buildinfo"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

const maxArgs = 4

// Resetter is the one chip control the console reaches for.
type Resetter interface {
	PullReset()
}

const (
	stParse   = 0
	stComment = 1
)

type Service struct {
	node *kernel.Node
	chip Resetter

	line []byte
	used int

	state   byte
	uval    uint16
	haveNum bool
	args    [maxArgs]uint16
	argc    int

	pending  byte
	launched bool
	waits    int
	uarg     uint16

	rdbuf   [16]byte
	scratch []byte
}

// New takes the line buffer (a RAM arena window, so a post-mortem dump
// shows the last input) and the reset control.
func New(line []byte, chip Resetter) *Service {
	return &Service{line: line, chip: chip, scratch: make([]byte, 0, 64)}
}

func (s *Service) Config(n *kernel.Node) { s.node = n }

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT, proto.START:
		s.claim(n)
		return errcode.EOK

	case proto.NOT_EMPTY:
		n.SendM3(proto.INP, proto.SER, proto.READ, s.rdbuf[:], 0)
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
			n.SendM3(proto.INP, proto.SER, proto.READ, s.rdbuf[:], 0)
		}
		return errcode.EOK

	case proto.REPLY_RESULT:
		if m.Sender != proto.TTY {
			return errcode.EOK
		}
		if s.waits > 0 {
			s.waits--
			if s.pending != 0 && !s.launched && s.waits == 0 {
				s.launch(n)
			}
			return errcode.EOK
		}
		if s.pending == 0 || !s.launched {
			return errcode.EOK
		}
		op := s.pending
		s.pending = 0
		s.launched = false
		switch op {
		case 'B':
			if m.Result() == errcode.EOK {
				s.ok(n)
			} else {
				s.err(n, m.Result())
			}
		case 'q':
			if m.Result() != errcode.EOK {
				// A sync barrier was already standing; wait for it.
				s.pending = op
				s.launched = true
				return errcode.EOK
			}
			s.chip.PullReset()
		}
		return errcode.EOK
	}
	return errcode.ENOMSG
}

// arm parks cmd until every console write already in flight has been
// acknowledged; launch then issues the command's own TTY message, and
// the next unclaimed reply completes the command. Counting writes this
// way keeps a batched line like "e\nq\n" from spending e's write acks
// on q's barrier.
func (s *Service) arm(n *kernel.Node, cmd byte) {
	s.pending = cmd
	s.launched = false
	if s.waits == 0 {
		s.launch(n)
	}
}

func (s *Service) launch(n *kernel.Node) {
	s.launched = true
	switch s.pending {
	case 'q':
		n.SendM1(proto.INP, proto.TTY, proto.SYNC)
	case 'B':
		n.SendM4(proto.INP, proto.TTY, proto.SET_IOCTL, byte(proto.TIOC_MODE), nil, s.uarg)
	}
}

func (s *Service) claim(n *kernel.Node) {
	n.SendM4(proto.INP, proto.SER, proto.SET_IOCTL, byte(proto.SIOC_CONSUMER), nil, uint16(proto.INP))
	s.reset()
}

func (s *Service) reset() {
	s.state = stParse
	s.uval = 0
	s.haveNum = false
	s.argc = 0
	s.used = 0
}

func (s *Service) consume(n *kernel.Node, b byte) {
	if s.state == stComment {
		if b == '\r' || b == '\n' {
			s.print(n, append(append(s.scratch[:0], s.line[:s.used]...), '\n'))
			s.reset()
			return
		}
		if s.used < len(s.line) {
			s.line[s.used] = b
			s.used++
		}
		return
	}

	switch {
	case b >= '0' && b <= '9':
		s.uval = s.uval*10 + uint16(b-'0')
		s.haveNum = true
	case b == ',':
		if s.argc < maxArgs {
			s.args[s.argc] = s.uval
			s.argc++
		}
		s.uval = 0
		s.haveNum = false
	case b == '#':
		s.state = stComment
		s.used = 0
		s.line[s.used] = b
		s.used++
	case b == '\r' || b == '\n':
		s.reset()
	case b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z':
		if s.haveNum && !command(b) {
			// Stray letter riding with a number.
			return
		}
		s.exec(n, b)
		s.uval = 0
		s.haveNum = false
		s.argc = 0
	default:
		// Stray byte between a number and its letter.
	}
}

func command(b byte) bool {
	switch b {
	case 'e', 'c', 'a', 'q', 'W', 'B', 'L':
		return true
	}
	return false
}

func (s *Service) exec(n *kernel.Node, cmd byte) {
	switch cmd {
	case 'e':
		s.print(n, append(append(append(s.scratch[:0], '#', ' '), buildinfo.Line()...), '\n'))
		s.ok(n)
	case 'c':
		s.print(n, fmt.Appendf(s.scratch[:0], "%d %d %d\n", n.Received(), n.MaxPending(), n.Lost()))
		s.ok(n)
	case 'a':
		n.SendM1(proto.INP, proto.CLI, proto.START)
	case 'q':
		s.ok(n)
		s.arm(n, 'q')
	case 'W':
		if s.uval != 999 {
			s.err(n, errcode.EINVAL)
			return
		}
		n.Spin()
	case 'B':
		if !s.haveNum || s.uval > 1 {
			s.err(n, errcode.EINVAL)
			return
		}
		s.uarg = s.uval
		s.arm(n, 'B')
	case 'L':
		if s.uval != 1 {
			s.err(n, errcode.EINVAL)
			return
		}
		n.SendM1(proto.INP, proto.HEX, proto.START)
	default:
		s.err(n, errcode.EINVAL)
	}
}

func (s *Service) ok(n *kernel.Node) {
	s.print(n, append(s.scratch[:0], "ok\n"...))
}

func (s *Service) err(n *kernel.Node, rc errcode.Code) {
	s.print(n, fmt.Appendf(s.scratch[:0], "err:%d,%d\n", s.state, rc))
}

func (s *Service) print(n *kernel.Node, p []byte) {
	out := make([]byte, len(p))
	copy(out, p)
	n.SendM3(proto.INP, proto.TTY, proto.WRITE, out, 0)
	s.waits++
}
