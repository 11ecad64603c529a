package hal

import "sync"

// Geometry and identity of the target chip behind the programming
// pins.
const (
	TargetFlashBytes  = 32 * 1024
	TargetPageBytes   = 128
	TargetEepromBytes = 1024
)

const targetPageWords = TargetPageBytes / 2

// Target models a part being programmed over its serial-programming
// interface: flash, EEPROM, fuses, lock bits, signature, calibration.
// All access goes through four-byte commands while reset is held; the
// image accessors exist for seeding and verifying in tests and tools.
type Target struct {
	mu        sync.Mutex
	flash     *SimFlash
	eeprom    *SimFlash
	sig       [3]byte
	cal       byte
	fuses     [3]byte
	lock      byte
	resetHeld bool
	enabled   bool
	pageBuf   [TargetPageBytes]byte
}

func NewTarget() *Target {
	t := &Target{
		flash:  NewSimFlash(TargetFlashBytes, TargetPageBytes),
		eeprom: NewSimFlash(TargetEepromBytes, 4),
		sig:    [3]byte{0x1E, 0x95, 0x0F},
		cal:    0x9C,
		fuses:  [3]byte{0x62, 0xD9, 0xFF},
		lock:   0xFF,
	}
	t.clearPageBuf()
	return t
}

func (t *Target) clearPageBuf() {
	for i := range t.pageBuf {
		t.pageBuf[i] = 0xFF
	}
}

func (t *Target) Flash() *SimFlash  { return t.flash }
func (t *Target) Eeprom() *SimFlash { return t.eeprom }

// Fuses returns low, high, extended.
func (t *Target) Fuses() [3]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fuses
}

func (t *Target) Lock() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock
}

// NewIspPort wires a programming port straight to a target, the
// loose-parts form of ChipConfig.Target for tools and tests.
func NewIspPort(t *Target) IspPort { return &simIsp{t: t} }

// simIsp drives a Target through the chip's programming pins.
type simIsp struct {
	t *Target
}

func (s *simIsp) TargetReset(asserted bool) {
	s.t.mu.Lock()
	s.t.resetHeld = asserted
	s.t.enabled = false
	s.t.clearPageBuf()
	s.t.mu.Unlock()
}

// Transfer shifts one four-byte command. Response byte n echoes
// command byte n-1; reads put their result in the final byte. With
// reset released the shifter sees an undriven line.
func (s *simIsp) Transfer(cmd [4]byte) ([4]byte, error) {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.resetHeld {
		return [4]byte{0xFF, 0xFF, 0xFF, 0xFF}, nil
	}

	resp := [4]byte{0xFF, cmd[0], cmd[1], cmd[2]}

	if cmd[0] == 0xAC && cmd[1] == 0x53 {
		t.enabled = true
		return resp, nil
	}
	if !t.enabled {
		return resp, nil
	}

	word := uint32(cmd[1])<<8 | uint32(cmd[2])
	switch cmd[0] {
	case 0xAC:
		switch cmd[1] {
		case 0x80: // chip erase
			_ = t.flash.Erase(0, t.flash.SizeBytes())
			_ = t.eeprom.Erase(0, t.eeprom.SizeBytes())
			t.lock = 0xFF
		case 0xE0:
			t.lock &= cmd[3]
		case 0xA0:
			t.fuses[0] = cmd[3]
		case 0xA8:
			t.fuses[1] = cmd[3]
		case 0xA4:
			t.fuses[2] = cmd[3]
		}
	case 0x50:
		switch cmd[1] {
		case 0x00:
			resp[3] = t.fuses[0]
		case 0x08:
			resp[3] = t.fuses[2]
		}
	case 0x58:
		if cmd[1] == 0x08 {
			resp[3] = t.fuses[1]
		} else {
			resp[3] = t.lock
		}
	case 0x30:
		resp[3] = t.sig[cmd[2]%3]
	case 0x38:
		resp[3] = t.cal
	case 0x20, 0x28: // read flash low/high
		addr := word * 2
		if cmd[0] == 0x28 {
			addr++
		}
		var b [1]byte
		if _, err := t.flash.ReadAt(b[:], addr%TargetFlashBytes); err == nil {
			resp[3] = b[0]
		}
	case 0x40: // load page low
		t.pageBuf[(word%targetPageWords)*2] = cmd[3]
	case 0x48: // load page high
		t.pageBuf[(word%targetPageWords)*2+1] = cmd[3]
	case 0x4C: // write page
		base := (word &^ (targetPageWords - 1)) * 2
		_, _ = t.flash.Program(t.pageBuf[:], base%TargetFlashBytes)
		t.clearPageBuf()
	case 0xA0: // read eeprom
		var b [1]byte
		if _, err := t.eeprom.ReadAt(b[:], word%TargetEepromBytes); err == nil {
			resp[3] = b[0]
		}
	case 0xC0: // write eeprom
		_, _ = t.eeprom.Overwrite([]byte{cmd[3]}, word%TargetEepromBytes)
	}
	return resp, nil
}
