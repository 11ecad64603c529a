package date

import (
	"testing"

	"willow/hal"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/clock"
	"willow/willowos/services/twi"
)

type mach struct{ ram [64]byte }

func (m *mach) WatchdogArm()    {}
func (m *mach) WatchdogDisarm() {}
func (m *mach) WatchdogPat()    {}
func (m *mach) RAM() []byte     { return m.ram[:] }

type tickerStub struct{ fn func() }

func (t *tickerStub) SetTick(fn func()) { t.fn = fn }

type pulseStub struct{ fn func() }

func (p *pulseStub) SetRtcPulse(fn func()) { p.fn = fn }
func (p *pulseStub) fire(n int) {
	for i := 0; i < n; i++ {
		p.fn()
	}
}

type keeperRig struct {
	node  *kernel.Node
	tick  *tickerStub
	pulse *pulseStub
	date  *Service
}

func newKeeper(t *testing.T, w *hal.Wire, addr byte) *keeperRig {
	t.Helper()
	r := &keeperRig{tick: &tickerStub{}, pulse: &pulseStub{}}
	r.node = kernel.New("keeper", &mach{})
	clk := clock.New(r.tick)
	bus := twi.New(w.NewPort(), addr, false)
	r.date = NewKeeper(r.pulse, bus, clk, 1000)
	r.node.Register(proto.CLK, clk)
	r.node.Register(proto.TWI, bus)
	r.node.Register(proto.DATE, r.date)
	clk.Config(r.node)
	bus.Config(r.node)
	r.date.Config(r.node)
	r.node.SendM1(proto.NONE, proto.DATE, proto.INIT)
	r.node.Drain()
	return r
}

type mirrorRig struct {
	node *kernel.Node
	date *Service
}

func newMirror(t *testing.T, w *hal.Wire, addr byte) *mirrorRig {
	t.Helper()
	r := &mirrorRig{}
	r.node = kernel.New("mirror", &mach{})
	bus := twi.New(w.NewPort(), addr, true)
	r.date = NewMirror()
	r.node.Register(proto.TWI, bus)
	r.node.Register(proto.DATE, r.date)
	bus.Config(r.node)
	r.date.Config(r.node)
	r.node.SendM1(proto.NONE, proto.DATE, proto.INIT)
	r.node.Drain()
	return r
}

func settle(ns ...*kernel.Node) {
	for {
		n := 0
		for _, nd := range ns {
			n += nd.Drain()
		}
		if n == 0 {
			return
		}
	}
}

func TestPulsesCountSeconds(t *testing.T) {
	w := hal.NewWire()
	k := newKeeper(t, w, 0x51)

	k.pulse.fire(5)
	k.node.Drain()
	if k.date.UTC() != 5 {
		t.Fatalf("UTC after 5 pulses = %d", k.date.UTC())
	}
}

func TestBroadcastTeachesMirrors(t *testing.T) {
	w := hal.NewWire()
	k := newKeeper(t, w, 0x51)
	m1 := newMirror(t, w, 0x52)
	m2 := newMirror(t, w, 0x53)

	k.date.SetUTC(1700000000)
	k.pulse.fire(3)
	k.node.Drain()

	for i := 0; i < 1000; i++ {
		k.tick.fn()
	}
	settle(k.node, m1.node, m2.node)

	want := uint32(1700000003)
	if m1.date.UTC() != want || m2.date.UTC() != want {
		t.Fatalf("mirrors at %d/%d, want %d", m1.date.UTC(), m2.date.UTC(), want)
	}
	if k.date.UTC() != want {
		t.Fatalf("keeper drifted to %d", k.date.UTC())
	}
}

func TestRepeatedBroadcastsKeepFollowing(t *testing.T) {
	w := hal.NewWire()
	k := newKeeper(t, w, 0x51)
	m := newMirror(t, w, 0x52)

	for round := 1; round <= 3; round++ {
		k.pulse.fire(1)
		k.node.Drain()
		for i := 0; i < 1000; i++ {
			k.tick.fn()
		}
		settle(k.node, m.node)
		if m.date.UTC() != uint32(round) {
			t.Fatalf("round %d: mirror at %d", round, m.date.UTC())
		}
	}
}

func TestPeerReadsTimeOverTheBus(t *testing.T) {
	w := hal.NewWire()
	k := newKeeper(t, w, 0x51)

	asker := kernel.New("asker", &mach{})
	bus := twi.New(w.NewPort(), 0x54, false)
	rx := &askSink{}
	asker.Register(proto.TWI, bus)
	asker.Register(proto.INP, rx)
	bus.Config(asker)

	k.date.SetUTC(0x11223344)

	job := &twi.TwiInfo{Mode: twi.ModeMTMR, Addr: 0x51, Tag: proto.UTC_REQUEST, In: make([]byte, 4)}
	asker.SendM3(proto.INP, proto.TWI, proto.JOB, job, 0)
	settle(asker, k.node)

	if len(rx.got) == 0 || rx.got[len(rx.got)-1].Result() != errcode.EOK {
		t.Fatalf("time request failed: %+v", rx.got)
	}
	if got := getLE(job.In); got != 0x11223344 {
		t.Fatalf("peer read UTC %#x, want 0x11223344", got)
	}
}

type askSink struct{ got []kernel.Message }

func (s *askSink) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	s.got = append(s.got, *m)
	return errcode.EOK
}
