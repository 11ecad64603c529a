package inp

import (
	"bytes"
	"regexp"
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

type resetRec struct {
	resets  int
	onReset func()
}

func (r *resetRec) PullReset() {
	if r.onReset != nil {
		r.onReset()
	}
	r.resets++
}

type sink struct{ got []kernel.Message }

func (s *sink) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	s.got = append(s.got, *m)
	return errcode.EOK
}

type rig struct {
	node *kernel.Node
	port *fakePort
	chip *resetRec
	cli  *sink
	hex  *sink
}

// newRig stands up the whole console stack: UART driver, output
// buffer, and the number console as consumer.
func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{port: &fakePort{}, chip: &resetRec{}, cli: &sink{}, hex: &sink{}}
	r.node = kernel.New("inp-test", &mach{})
	ser := serial.New(r.port)
	out := tty.New()
	svc := New(make([]byte, 32), r.chip)
	r.node.Register(proto.SER, ser)
	r.node.Register(proto.TTY, out)
	r.node.Register(proto.INP, svc)
	r.node.Register(proto.CLI, r.cli)
	r.node.Register(proto.HEX, r.hex)
	ser.Config(r.node)
	out.Config(r.node)
	svc.Config(r.node)
	r.node.SendM1(proto.NONE, proto.INP, proto.INIT)
	r.node.Drain()
	return r
}

func (r *rig) typeIn(s string) {
	for i := 0; i < len(s); i++ {
		r.port.rx(s[i])
	}
	r.node.Drain()
}

func TestBuildIdentifierCommand(t *testing.T) {
	r := newRig(t)
	r.typeIn("e\r")
	if !bytes.HasPrefix(r.port.tx, []byte("# willow ")) {
		t.Fatalf("e output = %q, want build line first", r.port.tx)
	}
	if !bytes.HasSuffix(r.port.tx, []byte("ok\r\n")) {
		t.Fatalf("e output = %q, want trailing ok", r.port.tx)
	}
}

func TestCountersCommand(t *testing.T) {
	r := newRig(t)
	r.typeIn("c\r")
	if !regexp.MustCompile(`^\d+ \d+ \d+\r\nok\r\n$`).Match(r.port.tx) {
		t.Fatalf("c output = %q", r.port.tx)
	}
}

func TestUnknownCommandReportsState(t *testing.T) {
	r := newRig(t)
	r.typeIn("z\r")
	want := []byte("err:0,22\r\n")
	if !bytes.Equal(r.port.tx, want) {
		t.Fatalf("z output = %q, want %q", r.port.tx, want)
	}
}

func TestStrayBytesBetweenNumberAndLetterDrop(t *testing.T) {
	r := newRig(t)
	r.typeIn("1 x! L\r")
	if len(r.hex.got) != 1 || r.hex.got[0].Op != proto.START {
		t.Fatalf("1 L did not open the dialogue: %+v", r.hex.got)
	}
	if len(r.port.tx) != 0 {
		t.Fatalf("stray bytes produced output %q", r.port.tx)
	}
}

func TestBadArgumentForDialogue(t *testing.T) {
	r := newRig(t)
	r.typeIn("2 L\r")
	if len(r.hex.got) != 0 {
		t.Fatalf("2 L opened the dialogue")
	}
	if !bytes.Equal(r.port.tx, []byte("err:0,22\r\n")) {
		t.Fatalf("2 L output = %q", r.port.tx)
	}
}

func TestNewlineResetsAccumulator(t *testing.T) {
	r := newRig(t)
	// 999 is abandoned by the newline; W alone is then malformed.
	r.typeIn("999\rW\r")
	if !bytes.Equal(r.port.tx, []byte("err:0,22\r\n")) {
		t.Fatalf("output = %q, want the W refusal only", r.port.tx)
	}
}

func TestCommentEchoedWhole(t *testing.T) {
	r := newRig(t)
	r.typeIn("# hello, willow\r")
	if !bytes.Equal(r.port.tx, []byte("# hello, willow\r\n")) {
		t.Fatalf("comment echo = %q", r.port.tx)
	}
}

func TestRawModeToggle(t *testing.T) {
	r := newRig(t)
	r.typeIn("1 B\r")
	if !bytes.Equal(r.port.tx, []byte("ok\n")) {
		t.Fatalf("raw toggle output = %q, want bare ok LF", r.port.tx)
	}
	r.port.tx = nil
	r.typeIn("0 B\r")
	if !bytes.Equal(r.port.tx, []byte("ok\r\n")) {
		t.Fatalf("cooked toggle output = %q", r.port.tx)
	}
}

func TestModeToggleRejectsOtherValues(t *testing.T) {
	r := newRig(t)
	r.typeIn("7 B\r")
	if !bytes.Equal(r.port.tx, []byte("err:0,22\r\n")) {
		t.Fatalf("7 B output = %q", r.port.tx)
	}
}

func TestConsoleSwitchCommand(t *testing.T) {
	r := newRig(t)
	r.typeIn("a\r")
	if len(r.cli.got) != 1 || r.cli.got[0].Op != proto.START {
		t.Fatalf("a did not start the word console: %+v", r.cli.got)
	}
	if len(r.port.tx) != 0 {
		t.Fatalf("switch printed %q, greeting belongs to the other side", r.port.tx)
	}
}

func TestResetCommandFlushesThenPulls(t *testing.T) {
	r := newRig(t)
	r.typeIn("q\r")
	if !bytes.Equal(r.port.tx, []byte("ok\r\n")) {
		t.Fatalf("q output = %q", r.port.tx)
	}
	if r.chip.resets != 1 {
		t.Fatalf("resets = %d, want 1 after the ok drained", r.chip.resets)
	}
}

// A scripted host sends commands in one burst, so the whole batch is
// parsed before any console write comes back acknowledged. The reset
// must wait for every line the batch printed, not just q's own ok.
func TestBatchedResetDrainsWholeBurst(t *testing.T) {
	r := newRig(t)
	var atReset []byte
	r.chip.onReset = func() { atReset = append([]byte(nil), r.port.tx...) }
	r.typeIn("e\nq\n")
	if r.chip.resets != 1 {
		t.Fatalf("resets = %d, want 1", r.chip.resets)
	}
	if !bytes.HasPrefix(atReset, []byte("# willow ")) {
		t.Fatalf("build line not on the wire at reset: %q", atReset)
	}
	if n := bytes.Count(atReset, []byte("ok\r\n")); n != 2 {
		t.Fatalf("ok lines on the wire at reset = %d, want 2: %q", n, atReset)
	}
}

func TestWedgeCommandUnwinds(t *testing.T) {
	r := newRig(t)
	r.node.Stop()
	defer func() {
		if recover() == nil {
			t.Fatalf("999 W did not unwind")
		}
	}()
	r.typeIn("999 W")
	t.Fatalf("unreachable")
}

func TestWedgeNeedsMagicNumber(t *testing.T) {
	r := newRig(t)
	r.typeIn("998 W\r")
	if !bytes.Equal(r.port.tx, []byte("err:0,22\r\n")) {
		t.Fatalf("998 W output = %q", r.port.tx)
	}
}
