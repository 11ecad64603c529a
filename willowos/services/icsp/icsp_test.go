package icsp

import (
	"bytes"
	"testing"

	"willow/hal"
	"willow/ihex"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/spi"
)

type mach struct{ ram [64]byte }

func (m *mach) WatchdogArm()    {}
func (m *mach) WatchdogDisarm() {}
func (m *mach) WatchdogPat()    {}
func (m *mach) RAM() []byte     { return m.ram[:] }

type sink struct{ got []kernel.Message }

func (s *sink) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	s.got = append(s.got, *m)
	return errcode.EOK
}

func rigPort(t *testing.T, port hal.IspPort) (*kernel.Node, *Service, *sink) {
	t.Helper()
	n := kernel.New("icsp-test", &mach{})
	shifter := spi.New(port)
	svc := New()
	rx := &sink{}
	n.Register(proto.SPI, shifter)
	n.Register(proto.ISP, svc)
	n.Register(proto.HEX, rx)
	shifter.Config(n)
	svc.Config(n)
	return n, svc, rx
}

func rig(t *testing.T) (*kernel.Node, *Service, *hal.Target, *sink) {
	t.Helper()
	tgt := hal.NewTarget()
	n, svc, rx := rigPort(t, hal.NewIspPort(tgt))
	return n, svc, tgt, rx
}

// open starts a session and waits for the ready notice.
func open(t *testing.T, n *kernel.Node, rx *sink) {
	t.Helper()
	n.SendM1(proto.HEX, proto.ISP, proto.START)
	n.Drain()
	if len(rx.got) != 1 || rx.got[0].Op != proto.REPLY_INFO || rx.got[0].Result() != errcode.EOK {
		t.Fatalf("session open reply = %+v, want REPLY_INFO EOK", rx.got)
	}
	rx.got = nil
}

// feed submits one record and returns its completion.
func feed(t *testing.T, n *kernel.Node, rx *sink, rec ihex.Record) (errcode.Code, []byte) {
	t.Helper()
	n.SendM3(proto.HEX, proto.ISP, proto.JOB, &rec, 0)
	n.Drain()
	if len(rx.got) != 1 || rx.got[0].Op != proto.REPLY_INFO {
		t.Fatalf("record completion = %+v, want one REPLY_INFO", rx.got)
	}
	m := rx.got[0]
	rx.got = nil
	var line []byte
	if p, ok := m.Ptr.([]byte); ok {
		line = append(line, p...)
	}
	return m.Result(), line
}

func mustFeed(t *testing.T, n *kernel.Node, rx *sink, rec ihex.Record) []byte {
	t.Helper()
	rc, line := feed(t, n, rx, rec)
	if rc != errcode.EOK {
		t.Fatalf("record %+v completed %v, want EOK", rec, rc)
	}
	return line
}

func flashAt(t *testing.T, tgt *hal.Target, addr uint32, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := tgt.Flash().ReadAt(buf, addr); err != nil {
		t.Fatalf("flash read: %v", err)
	}
	return buf
}

func TestSessionOpenReadsSignature(t *testing.T) {
	n, svc, _, rx := rig(t)
	open(t, n, rx)
	if got := svc.Info().Sig; got != [3]byte{0x1E, 0x95, 0x0F} {
		t.Fatalf("signature = % X, want 1E 95 0F", got)
	}
}

func TestProgramThenReadBack(t *testing.T) {
	n, svc, tgt, rx := rig(t)
	open(t, n, rx)

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0, Data: data})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	if got := flashAt(t, tgt, 0, 16); !bytes.Equal(got, data) {
		t.Fatalf("flash = % X, want % X", got, data)
	}
	info := svc.Info()
	if info.Pages != 1 || info.Bytes != 16 {
		t.Fatalf("counters pages=%d bytes=%d, want 1 and 16", info.Pages, info.Bytes)
	}
}

func TestPageCrossCommitsFirstPage(t *testing.T) {
	n, svc, tgt, rx := rig(t)
	open(t, n, rx)

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(0x30 + i)
	}
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0x78, Data: data})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	if got := flashAt(t, tgt, 0x78, 16); !bytes.Equal(got, data) {
		t.Fatalf("flash across page edge = % X, want % X", got, data)
	}
	if got := svc.Info().Pages; got != 2 {
		t.Fatalf("pages = %d, want 2", got)
	}
}

func TestAddressJumpCommitsOpenPage(t *testing.T) {
	n, svc, tgt, rx := rig(t)
	open(t, n, rx)

	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0, Data: []byte{1, 2, 3, 4}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0x200, Data: []byte{5, 6, 7, 8}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	if got := flashAt(t, tgt, 0, 4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("first range = % X", got)
	}
	if got := flashAt(t, tgt, 0x200, 4); !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Fatalf("jumped range = % X", got)
	}
	if got := svc.Info().Pages; got != 2 {
		t.Fatalf("pages = %d, want 2", got)
	}
}

func TestEepromSegmentSwitch(t *testing.T) {
	n, _, tgt, rx := rig(t)
	open(t, n, rx)

	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeExtLinear, Data: []byte{0x00, 0x81}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0x10, Data: []byte{0xAA, 0xBB}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeExtLinear, Data: []byte{0x00, 0x00}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	var got [2]byte
	if _, err := tgt.Eeprom().ReadAt(got[:], 0x10); err != nil {
		t.Fatalf("eeprom read: %v", err)
	}
	if got != [2]byte{0xAA, 0xBB} {
		t.Fatalf("eeprom = % X, want AA BB", got)
	}
	if f := flashAt(t, tgt, 0x10, 2); !bytes.Equal(f, []byte{0xFF, 0xFF}) {
		t.Fatalf("flash touched by eeprom record: % X", f)
	}
}

func TestBlankCheckAfterChipErase(t *testing.T) {
	n, _, _, rx := rig(t)
	open(t, n, rx)
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0, Data: []byte{0x12, 0x34}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	open(t, n, rx)
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeErase, Addr: eraseChip})
	line := mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeReadData, Addr: 0, Data: []byte{0x40, 0x00, readBlank}})
	if string(line) != "blank\n" {
		t.Fatalf("blank check after erase = %q, want blank", line)
	}
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})
}

func TestBlankCheckNamesFirstProgrammedByte(t *testing.T) {
	n, _, _, rx := rig(t)
	open(t, n, rx)
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0x10, Data: []byte{0xFF, 0xFF, 0xAA}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	open(t, n, rx)
	line := mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeReadData, Addr: 0, Data: []byte{0x20, 0x00, readBlank}})
	if string(line) != "0012\n" {
		t.Fatalf("blank check = %q, want first non-blank 0012", line)
	}
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})
}

func TestReadBackEmitsRecords(t *testing.T) {
	n, _, tgt, rx := rig(t)

	seed := make([]byte, 20)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	if _, err := tgt.Flash().Program(seed, 0x40); err != nil {
		t.Fatalf("seed: %v", err)
	}

	open(t, n, rx)
	line := mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeReadData, Addr: 0x40, Data: []byte{20, 0x00, readDump}})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	var back []byte
	next := uint16(0x40)
	for _, raw := range bytes.Split(bytes.TrimRight(line, "\n"), []byte("\n")) {
		rec, err := ihex.Parse(raw)
		if err != nil {
			t.Fatalf("read-back line %q: %v", raw, err)
		}
		if rec.Type != ihex.TypeData || rec.Addr != next {
			t.Fatalf("read-back record %+v, want data at %#04x", rec, next)
		}
		next += uint16(len(rec.Data))
		back = append(back, rec.Data...)
	}
	if !bytes.Equal(back, seed) {
		t.Fatalf("read back % X, want % X", back, seed)
	}
}

func TestFuseRoundTrip(t *testing.T) {
	n, svc, _, rx := rig(t)
	open(t, n, rx)

	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeMiscWrite, Addr: subFuse<<8 | 0, Data: []byte{0x5A}})
	line := mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeMiscRead, Addr: subFuse<<8 | 0})
	if string(line) != "5A\n" {
		t.Fatalf("fuse read back = %q, want the value just written", line)
	}

	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeMiscWrite, Addr: subLock << 8, Data: []byte{0xFC}})
	line = mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeMiscRead, Addr: subLock << 8})
	if string(line) != "FC\n" {
		t.Fatalf("lock read back = %q, want FC", line)
	}

	if got := svc.Info().Fuses[0]; got != 0x5A {
		t.Fatalf("mirrored low fuse = %#02x, want 0x5A", got)
	}
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})
}

func TestSignatureAndCalibrationAreReadOnly(t *testing.T) {
	n, _, _, rx := rig(t)
	open(t, n, rx)

	if rc, _ := feed(t, n, rx, ihex.Record{Type: ihex.TypeMiscWrite, Addr: subSignature << 8, Data: []byte{0}}); rc != errcode.EINVAL {
		t.Fatalf("signature write = %v, want EINVAL", rc)
	}
	if rc, _ := feed(t, n, rx, ihex.Record{Type: ihex.TypeMiscWrite, Addr: subCalibration << 8, Data: []byte{0}}); rc != errcode.EINVAL {
		t.Fatalf("calibration write = %v, want EINVAL", rc)
	}
	if line := mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeMiscRead, Addr: subSignature<<8 | 1}); string(line) != "95\n" {
		t.Fatalf("signature byte 1 = %q, want 95", line)
	}
	if line := mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeMiscRead, Addr: subCalibration << 8}); string(line) != "9C\n" {
		t.Fatalf("calibration = %q, want 9C", line)
	}
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})
}

func TestEepromEraseFills(t *testing.T) {
	n, _, tgt, rx := rig(t)
	if _, err := tgt.Eeprom().Overwrite([]byte{0x11, 0x22}, 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	open(t, n, rx)
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeErase, Addr: eraseEeprom})
	mustFeed(t, n, rx, ihex.Record{Type: ihex.TypeEOF})

	var got [2]byte
	if _, err := tgt.Eeprom().ReadAt(got[:], 5); err != nil {
		t.Fatalf("eeprom read: %v", err)
	}
	if got != [2]byte{0xFF, 0xFF} {
		t.Fatalf("eeprom after erase = % X, want FF FF", got)
	}
}

func TestRecordOutsideSessionIsEPERM(t *testing.T) {
	n, _, _, rx := rig(t)
	if rc, _ := feed(t, n, rx, ihex.Record{Type: ihex.TypeData, Addr: 0, Data: []byte{1}}); rc != errcode.EPERM {
		t.Fatalf("record without a session = %v, want EPERM", rc)
	}
}

// flaky wraps the programming port and corrupts the first few enable
// echoes, the out-of-sync condition the retry pulse recovers from.
type flaky struct {
	inner    hal.IspPort
	bad      int
	releases int
}

func (f *flaky) TargetReset(asserted bool) {
	if !asserted {
		f.releases++
	}
	f.inner.TargetReset(asserted)
}

func (f *flaky) Transfer(cmd [4]byte) ([4]byte, error) {
	resp, err := f.inner.Transfer(cmd)
	if cmd[0] == 0xAC && cmd[1] == 0x53 && f.bad > 0 {
		f.bad--
		resp[2] = 0x00
	}
	return resp, err
}

func TestEnableRetryPulsesReset(t *testing.T) {
	port := &flaky{inner: hal.NewIspPort(hal.NewTarget()), bad: 2}
	n, svc, rx := rigPort(t, port)

	open(t, n, rx)
	if port.releases != 2 {
		t.Fatalf("reset pulses = %d, want 2", port.releases)
	}
	if got := svc.Info().Sig; got != [3]byte{0x1E, 0x95, 0x0F} {
		t.Fatalf("signature after retries = % X", got)
	}
}

func TestEnableGivesUpAfterThreeTries(t *testing.T) {
	port := &flaky{inner: hal.NewIspPort(hal.NewTarget()), bad: 3}
	n, _, rx := rigPort(t, port)

	n.SendM1(proto.HEX, proto.ISP, proto.START)
	n.Drain()
	if len(rx.got) != 1 || rx.got[0].Result() != errcode.EIO {
		t.Fatalf("open against a deaf part = %+v, want EIO", rx.got)
	}
	rx.got = nil

	// The machine is back at rest: a fresh session works once the
	// echoes behave.
	port.bad = 0
	open(t, n, rx)
}
