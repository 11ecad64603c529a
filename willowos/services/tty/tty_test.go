package tty

import (
	"bytes"
	"testing"

	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

type mach struct{ ram [64]byte }

func (m *mach) WatchdogArm()    {}
func (m *mach) WatchdogDisarm() {}
func (m *mach) WatchdogPat()    {}
func (m *mach) RAM() []byte     { return m.ram[:] }

// uart stands in for the serial task: it soaks up WRITE jobs and
// acknowledges each one, like the real driver with an instant wire.
type uart struct{ tx []byte }

func (u *uart) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	if m.Op == proto.WRITE {
		u.tx = append(u.tx, m.Ptr.([]byte)...)
		n.ReplyResult(m, errcode.EOK)
	}
	return errcode.EOK
}

type sink struct{ got []kernel.Message }

func (s *sink) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	s.got = append(s.got, *m)
	return errcode.EOK
}

func rig(t *testing.T) (*kernel.Node, *uart, *sink) {
	t.Helper()
	n := kernel.New("tty-test", &mach{})
	svc := New()
	u := &uart{}
	rx := &sink{}
	n.Register(proto.TTY, svc)
	n.Register(proto.SER, u)
	n.Register(proto.INP, rx)
	svc.Config(n)
	return n, u, rx
}

func write(n *kernel.Node, p []byte) {
	n.SendM3(proto.INP, proto.TTY, proto.WRITE, p, 0)
	n.Drain()
}

func TestCookedModeExpandsNewlines(t *testing.T) {
	n, u, rx := rig(t)
	write(n, []byte("ok\n"))
	if !bytes.Equal(u.tx, []byte("ok\r\n")) {
		t.Fatalf("wire got %q, want ok CRLF", u.tx)
	}
	if rx.got[0].Op != proto.REPLY_RESULT || rx.got[0].Result() != errcode.EOK {
		t.Fatalf("write reply = %+v", rx.got[0])
	}
}

func TestRawModePassesThrough(t *testing.T) {
	n, u, _ := rig(t)
	n.SendM4(proto.INP, proto.TTY, proto.SET_IOCTL, byte(proto.TIOC_MODE), nil, uint16(proto.TTY_RAW))
	n.Drain()
	write(n, []byte("a\nb"))
	if !bytes.Equal(u.tx, []byte("a\nb")) {
		t.Fatalf("raw wire got %q", u.tx)
	}
}

func TestModeReadback(t *testing.T) {
	n, _, rx := rig(t)
	n.SendM4(proto.INP, proto.TTY, proto.SET_IOCTL, byte(proto.TIOC_MODE), nil, uint16(proto.TTY_RAW))
	n.Drain()
	rx.got = nil
	n.SendM2(proto.INP, proto.TTY, proto.GET_IOCTL, byte(proto.TIOC_MODE))
	n.Drain()
	last := rx.got[len(rx.got)-1]
	if last.Op != proto.REPLY_INFO || byte(last.Short) != proto.TTY_RAW {
		t.Fatalf("mode readback = %+v, want raw", last)
	}
}

func TestLongOutputDrainsInOrder(t *testing.T) {
	n, u, _ := rig(t)
	var want []byte
	for i := 0; i < 4; i++ {
		line := bytes.Repeat([]byte{'a' + byte(i)}, 50)
		write(n, line)
		want = append(want, line...)
	}
	if !bytes.Equal(u.tx, want) {
		t.Fatalf("drained %d bytes out of order or short of %d", len(u.tx), len(want))
	}
}

// deafUart swallows WRITE jobs without acknowledging, so the buffer
// backs up until the test releases the replies by hand.
type deafUart struct{ held []kernel.Message }

func (u *deafUart) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	if m.Op == proto.WRITE {
		u.held = append(u.held, *m)
	}
	return errcode.EOK
}

func (u *deafUart) release(n *kernel.Node) {
	for _, m := range u.held {
		n.ReplyResult(&m, errcode.EOK)
	}
	u.held = nil
	n.Drain()
}

func TestRefusalThenNotBusy(t *testing.T) {
	n := kernel.New("tty-test", &mach{})
	svc := New()
	u := &deafUart{}
	rx := &sink{}
	n.Register(proto.TTY, svc)
	n.Register(proto.SER, u)
	n.Register(proto.INP, rx)
	svc.Config(n)

	// The first fill takes the whole buffer; one chunk leaves for the
	// wire at once, so the follow-up must outsize that headroom to be
	// refused.
	write(n, bytes.Repeat([]byte{'x'}, bufBytes))
	rx.got = nil
	write(n, bytes.Repeat([]byte{'y'}, 2*chunkBytes))
	if rx.got[0].Result() != errcode.ENOMEM {
		t.Fatalf("overfull write replied %v, want ENOMEM", rx.got[0].Result())
	}

	rx.got = nil
	u.release(n)
	found := false
	for _, m := range rx.got {
		if m.Op == proto.NOT_BUSY && m.Sender == proto.TTY {
			found = true
		}
	}
	if !found {
		t.Fatalf("refused writer never told NOT_BUSY after space freed")
	}
}

func TestSyncAnswersAfterDrain(t *testing.T) {
	n := kernel.New("tty-test", &mach{})
	svc := New()
	u := &deafUart{}
	rx := &sink{}
	n.Register(proto.TTY, svc)
	n.Register(proto.SER, u)
	n.Register(proto.INP, rx)
	svc.Config(n)

	write(n, []byte("pending"))
	rx.got = nil
	n.SendM1(proto.INP, proto.TTY, proto.SYNC)
	n.Drain()
	if len(rx.got) != 0 {
		t.Fatalf("SYNC answered with bytes still in flight")
	}

	u.release(n)
	if len(rx.got) == 0 || rx.got[len(rx.got)-1].Op != proto.REPLY_RESULT {
		t.Fatalf("SYNC not answered after drain")
	}
}

func TestSyncOnIdleAnswersAtOnce(t *testing.T) {
	n, _, rx := rig(t)
	n.SendM1(proto.INP, proto.TTY, proto.SYNC)
	n.Drain()
	if len(rx.got) != 1 || rx.got[0].Result() != errcode.EOK {
		t.Fatalf("idle SYNC reply = %+v", rx.got)
	}
}
