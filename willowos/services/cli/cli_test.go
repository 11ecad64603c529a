package cli

import (
	"bytes"
	"testing"

	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/serial"
	"willow/willowos/services/tty"
)

type mach struct{ ram [64]byte }

func (m *mach) WatchdogArm()    {}
func (m *mach) WatchdogDisarm() {}
func (m *mach) WatchdogPat()    {}
func (m *mach) RAM() []byte     { return m.ram[:] }

type fakePort struct {
	tx []byte
	rx func(byte)
}

func (f *fakePort) Write(p []byte) (int, error) { f.tx = append(f.tx, p...); return len(p), nil }
func (f *fakePort) SetRx(fn func(byte))         { f.rx = fn }

type sink struct{ got []kernel.Message }

func (s *sink) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	s.got = append(s.got, *m)
	return errcode.EOK
}

type rig struct {
	node *kernel.Node
	port *fakePort
	inp  *sink
	hex  *sink
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{port: &fakePort{}, inp: &sink{}, hex: &sink{}}
	r.node = kernel.New("cli-test", &mach{})
	ser := serial.New(r.port)
	out := tty.New()
	svc := New(make([]byte, 48))
	r.node.Register(proto.SER, ser)
	r.node.Register(proto.TTY, out)
	r.node.Register(proto.CLI, svc)
	r.node.Register(proto.INP, r.inp)
	r.node.Register(proto.HEX, r.hex)
	ser.Config(r.node)
	out.Config(r.node)
	svc.Config(r.node)
	r.node.SendM1(proto.INP, proto.CLI, proto.START)
	r.node.Drain()
	return r
}

func (r *rig) typeIn(s string) {
	for i := 0; i < len(s); i++ {
		r.port.rx(s[i])
	}
	r.node.Drain()
}

func TestGreetingOnEntry(t *testing.T) {
	r := newRig(t)
	if !bytes.Equal(r.port.tx, []byte("in cli\r\n")) {
		t.Fatalf("greeting = %q", r.port.tx)
	}
}

func TestUnknownWordEchoesQuestion(t *testing.T) {
	r := newRig(t)
	r.port.tx = nil
	r.typeIn("e\r")
	if !bytes.Equal(r.port.tx, []byte("e ?\r\n")) {
		t.Fatalf("unknown word answer = %q", r.port.tx)
	}
}

func TestReturnWordHandsConsoleBack(t *testing.T) {
	r := newRig(t)
	r.port.tx = nil
	r.typeIn("inp\r")
	if len(r.inp.got) != 1 || r.inp.got[0].Op != proto.START {
		t.Fatalf("inp word messages = %+v", r.inp.got)
	}
	if len(r.port.tx) != 0 {
		t.Fatalf("inp word printed %q", r.port.tx)
	}
}

func TestIcspWordFeedsOneRecord(t *testing.T) {
	r := newRig(t)
	r.port.tx = nil
	r.typeIn("icsp :00000001FF\r")
	if len(r.hex.got) != 1 || r.hex.got[0].Op != proto.WRITE {
		t.Fatalf("icsp word messages = %+v", r.hex.got)
	}
	if rec := r.hex.got[0].Ptr.([]byte); !bytes.Equal(rec, []byte(":00000001FF")) {
		t.Fatalf("fed record = %q", rec)
	}
}

func TestBareIcspIsAQuestion(t *testing.T) {
	r := newRig(t)
	r.port.tx = nil
	r.typeIn("icsp\r")
	if !bytes.Equal(r.port.tx, []byte("icsp ?\r\n")) {
		t.Fatalf("bare icsp answer = %q", r.port.tx)
	}
}

func TestLeadingSpacesIgnored(t *testing.T) {
	r := newRig(t)
	r.port.tx = nil
	r.typeIn("   foo\r")
	if !bytes.Equal(r.port.tx, []byte("foo ?\r\n")) {
		t.Fatalf("padded word answer = %q", r.port.tx)
	}
}

func TestEmptyLineSaysNothing(t *testing.T) {
	r := newRig(t)
	r.port.tx = nil
	r.typeIn("\r\n\r")
	if len(r.port.tx) != 0 {
		t.Fatalf("empty lines answered %q", r.port.tx)
	}
}
