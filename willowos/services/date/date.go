// Package date keeps fleet time. The node wired to the RTC counts
// one-pulse-per-second interrupts into a UTC word, serves it to any
// peer that writes a UTC_REQUEST tag and reads back, and broadcasts it
// to the general call on a periodic alarm. Every other node runs the
// mirror flavour and learns the time from those broadcasts.
package date

import (
	"willow/hal"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/clock"
	"willow/willowos/services/twi"
)

// PulseSource hands out the seconds interrupt.
type PulseSource interface {
	SetRtcPulse(fn func())
}

type Service struct {
	node  *kernel.Node
	pulse PulseSource
	bus   *twi.Service
	clk   *clock.Service
	every uint32

	keeper bool
	utc    uint32

	supply   [4]byte
	request  [4]byte
	mirror   [8]byte
	reg      twi.TwiInfo
	notify   twi.TwiInfo
	out      [4]byte
	inflight bool
}

// NewKeeper builds the RTC-side service: pulse feeds the counter, bus
// guards the slave supply bytes, clk provides the broadcast period.
func NewKeeper(pulse PulseSource, bus *twi.Service, clk *clock.Service, everyMs uint32) *Service {
	return &Service{pulse: pulse, bus: bus, clk: clk, every: everyMs, keeper: true}
}

// NewMirror builds the listening flavour.
func NewMirror() *Service {
	return &Service{}
}

func (s *Service) Config(n *kernel.Node) {
	s.node = n
	if s.keeper {
		s.pulse.SetRtcPulse(func() {
			n.SendM1(proto.DATE, proto.DATE, proto.RTC_INTR)
		})
		if s.every > 0 {
			s.clk.AddPeriodic(proto.DATE, s.every)
		}
	}
}

// UTC returns the current idea of the time.
func (s *Service) UTC() uint32 { return s.utc }

// SetUTC moves the clock, keeping the wire bytes in step. Dispatcher
// context only.
func (s *Service) SetUTC(u uint32) {
	s.utc = u
	s.refresh()
}

func (s *Service) refresh() {
	if !s.keeper {
		return
	}
	u := s.utc
	s.bus.Guard(func() { putLE(s.supply[:], u) })
}

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		if s.keeper {
			s.reg = twi.TwiInfo{
				Mode:  twi.ModeSR,
				Tag:   proto.UTC_REQUEST,
				In:    s.request[:],
				Op:    proto.UPDATE,
				Reply: proto.DATE,
				Supply: func([]byte) []byte {
					return s.supply[:]
				},
			}
		} else {
			s.reg = twi.TwiInfo{
				Mode:  twi.ModeGCSR,
				Tag:   proto.DATE_NOTIFY,
				In:    s.mirror[:],
				Op:    proto.UPDATE,
				Reply: proto.DATE,
			}
		}
		n.SendM3(proto.DATE, proto.TWI, proto.JOB, &s.reg, 0)
		return errcode.EOK

	case proto.RTC_INTR:
		if !s.keeper {
			return errcode.EOK
		}
		s.utc++
		s.refresh()
		return errcode.EOK

	case proto.PERIODIC_ALARM:
		if !s.keeper || s.inflight {
			return errcode.EOK
		}
		putLE(s.out[:], s.utc)
		s.notify = twi.TwiInfo{
			Mode:  twi.ModeMT,
			Addr:  hal.GcallAddr,
			Tag:   proto.DATE_NOTIFY,
			Out:   s.out[:],
			Reply: proto.DATE,
		}
		s.inflight = true
		n.SendM3(proto.DATE, proto.TWI, proto.JOB, &s.notify, 0)
		return errcode.EOK

	case proto.UPDATE:
		// Broadcast heard on a mirror.
		if s.keeper || proto.Tag(m.Mtype) != proto.DATE_NOTIFY || m.Short < 4 {
			return errcode.EOK
		}
		p, ok := m.Ptr.([]byte)
		if !ok || len(p) < 4 {
			return errcode.EOK
		}
		s.utc = getLE(p)
		return errcode.EOK

	case proto.REPLY_INFO:
		// Either the registration ack or the broadcast landing. An
		// empty bus is not an error worth anyone's time.
		if m.Ptr == &s.notify {
			s.inflight = false
		}
		return errcode.EOK
	}
	return errcode.ENOMSG
}

func putLE(p []byte, u uint32) {
	p[0] = byte(u)
	p[1] = byte(u >> 8)
	p[2] = byte(u >> 16)
	p[3] = byte(u >> 24)
}

func getLE(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}
