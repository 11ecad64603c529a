package hal

import (
	"io"
	"sync"
)

// Deep enough to hold a whole post-mortem listing of the RAM arena
// before anyone drains the line.
const simSerialTxDepth = 8192

// SimSerial is the UART of a simulated chip. The chip side transmits
// with Write and receives through the RX hook; the host side is
// reached through a HostPort, whose goroutine plays the role of the
// receive interrupt.
type SimSerial struct {
	mu sync.Mutex
	rx func(b byte)
	tx chan byte
}

func NewSimSerial() *SimSerial {
	return &SimSerial{tx: make(chan byte, simSerialTxDepth)}
}

// Write transmits from the chip. A byte nobody ever drains is dropped
// once the line buffer fills, like any unlistened UART.
func (s *SimSerial) Write(p []byte) (int, error) {
	for _, b := range p {
		select {
		case s.tx <- b:
		default:
		}
	}
	return len(p), nil
}

func (s *SimSerial) SetRx(fn func(b byte)) {
	s.mu.Lock()
	s.rx = fn
	s.mu.Unlock()
}

// InjectRx feeds bytes to the chip, one RX interrupt per byte, on the
// caller's goroutine.
func (s *SimSerial) InjectRx(p []byte) {
	for _, b := range p {
		s.mu.Lock()
		fn := s.rx
		s.mu.Unlock()
		if fn != nil {
			fn(b)
		}
	}
}

// HostPort is the far end of a chip's UART as an io.ReadWriter: what
// a terminal emulator, a TCP bridge, or a test harness plugs into.
type HostPort struct {
	s *SimSerial
}

func NewHostPort(s *SimSerial) *HostPort {
	return &HostPort{s: s}
}

// Read blocks for the first transmitted byte, then drains whatever
// else is already on the line.
func (p *HostPort) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	first, ok := <-p.s.tx
	if !ok {
		return 0, io.EOF
	}
	b[0] = first
	n := 1
	for n < len(b) {
		select {
		case c := <-p.s.tx:
			b[n] = c
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (p *HostPort) Write(b []byte) (int, error) {
	p.s.InjectRx(b)
	return len(b), nil
}
