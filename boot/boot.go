// Package boot is the bridge node's resident loader: a small STK500
// subset spoken over the UART, entered only on an external reset with
// the strap pin held low. While it runs it owns the chip outright;
// the application kernel is never started underneath it. Leaving
// programming mode arms the short watchdog, and the reset that
// follows boots the application because the cause is no longer the
// external line.
package boot

import (
	"willow/hal"
	"willow/stk500"
)

// signature is what the loader reports for its own part.
var signature = [3]byte{0x1E, 0x95, 0x0F}

const pageBytes = hal.FlashPageBytes

// nrwwStart splits flash: pages below it are read-while-write and get
// their erase started before the data phase arrives, pages in the
// top section wait until the buffer is full.
const nrwwStart = hal.FlashBytes - 4096

// Entered reports whether the straps select the loader. Any other
// reset goes straight to the application.
func Entered(chip hal.Chip) bool {
	return chip.ResetCause() == hal.CauseExternal && chip.BootPinLow()
}

// Run speaks the protocol until LEAVE_PROGMODE, or until stop closes
// because the chip was reset underneath it. The watchdog stays armed
// the whole time: a host that goes quiet mid-session resets the chip
// into the application rather than wedging it in the loader.
func Run(chip hal.Chip, stop <-chan struct{}) {
	l := &loader{
		chip:  chip,
		ser:   chip.Serial(),
		flash: chip.Flash(),
		rx:    make(chan byte, 64),
		stop:  stop,
	}
	l.ser.SetRx(l.onRx)
	defer l.ser.SetRx(nil)
	chip.WatchdogArm()

	for !l.leave {
		b, ok := l.getch()
		if !ok {
			return
		}
		l.command(b)
	}
}

type loader struct {
	chip  hal.Chip
	ser   hal.Serial
	flash hal.Flash
	rx    chan byte
	stop  <-chan struct{}
	addr  uint32
	buf   [pageBytes]byte
	leave bool
}

func (l *loader) onRx(b byte) {
	select {
	case l.rx <- b:
	default:
	}
}

func (l *loader) getch() (byte, bool) {
	select {
	case b := <-l.rx:
		l.chip.WatchdogPat()
		return b, true
	case <-l.stop:
		return 0, false
	}
}

func (l *loader) eat(n int) bool {
	for i := 0; i < n; i++ {
		if _, ok := l.getch(); !ok {
			return false
		}
	}
	return true
}

// space consumes the frame terminator. A byte that is not CRC_EOP
// answers NOSYNC and drops the command, leaving the loop listening.
func (l *loader) space() (eop, alive bool) {
	b, ok := l.getch()
	if !ok {
		return false, false
	}
	if b != stk500.CrcEop {
		l.put(stk500.RespNosync)
		return false, true
	}
	return true, true
}

func (l *loader) put(p ...byte) {
	l.ser.Write(p)
}

func (l *loader) ack() {
	l.put(stk500.RespInsync, stk500.RespOK)
}

func (l *loader) command(cmd byte) {
	switch cmd {
	case stk500.CmdGetParameter:
		p, ok := l.getch()
		if !ok {
			return
		}
		eop, alive := l.space()
		if !alive || !eop {
			return
		}
		v := stk500.ParamUnknown
		switch p {
		case stk500.ParamSwMajor:
			v = stk500.SwMajor
		case stk500.ParamSwMinor:
			v = stk500.SwMinor
		}
		l.put(stk500.RespInsync, v, stk500.RespOK)

	case stk500.CmdSetDevice:
		if !l.eat(20) {
			return
		}
		if eop, alive := l.space(); alive && eop {
			l.ack()
		}

	case stk500.CmdSetDeviceExt:
		if !l.eat(5) {
			return
		}
		if eop, alive := l.space(); alive && eop {
			l.ack()
		}

	case stk500.CmdLoadAddress:
		lo, ok := l.getch()
		if !ok {
			return
		}
		hi, ok := l.getch()
		if !ok {
			return
		}
		if eop, alive := l.space(); !alive || !eop {
			return
		}
		// Word address on the wire, bytes in flash.
		l.addr = (uint32(hi)<<8 | uint32(lo)) * 2
		l.ack()

	case stk500.CmdUniversal:
		if !l.eat(4) {
			return
		}
		if eop, alive := l.space(); alive && eop {
			l.put(stk500.RespInsync, 0x00, stk500.RespOK)
		}

	case stk500.CmdProgPage:
		l.progPage()

	case stk500.CmdReadPage:
		l.readPage()

	case stk500.CmdReadSign:
		if eop, alive := l.space(); alive && eop {
			l.put(stk500.RespInsync, signature[0], signature[1], signature[2], stk500.RespOK)
		}

	case stk500.CmdLeaveProgmode:
		if eop, alive := l.space(); alive && eop {
			l.ack()
			l.chip.WatchdogShort()
			l.leave = true
		}

	default:
		// GET_SYNC, ENTER_PROGMODE and anything unrecognised.
		if eop, alive := l.space(); alive && eop {
			l.ack()
		}
	}
}

func (l *loader) progPage() {
	hi, ok := l.getch()
	if !ok {
		return
	}
	lo, ok := l.getch()
	if !ok {
		return
	}
	mem, ok := l.getch()
	if !ok {
		return
	}
	n := int(hi)<<8 | int(lo)

	erased := false
	if mem == stk500.MemFlash && l.addr < nrwwStart {
		// Read-while-write section: start the erase while the data
		// phase is still coming in.
		l.erase()
		erased = true
	}

	for i := 0; i < n; i++ {
		b, ok := l.getch()
		if !ok {
			return
		}
		if i < len(l.buf) {
			l.buf[i] = b
		}
	}
	eop, alive := l.space()
	if !alive || !eop {
		return
	}

	if mem != stk500.MemFlash || n == 0 || n > len(l.buf) || l.addr+uint32(n) > hal.FlashBytes {
		l.put(stk500.RespInsync, stk500.RespFailed)
		return
	}
	if !erased {
		l.erase()
	}
	if _, err := l.flash.WriteAt(l.buf[:n], l.addr); err != nil {
		l.put(stk500.RespInsync, stk500.RespFailed)
		return
	}
	l.addr += uint32(n)
	l.ack()
}

func (l *loader) erase() {
	base := l.addr &^ uint32(pageBytes-1)
	_ = l.flash.Erase(base, pageBytes)
}

func (l *loader) readPage() {
	hi, ok := l.getch()
	if !ok {
		return
	}
	lo, ok := l.getch()
	if !ok {
		return
	}
	mem, ok := l.getch()
	if !ok {
		return
	}
	eop, alive := l.space()
	if !alive || !eop {
		return
	}
	n := int(hi)<<8 | int(lo)
	if mem != stk500.MemFlash || n == 0 || n > len(l.buf) || l.addr+uint32(n) > hal.FlashBytes {
		l.put(stk500.RespInsync, stk500.RespFailed)
		return
	}
	if _, err := l.flash.ReadAt(l.buf[:n], l.addr); err != nil {
		l.put(stk500.RespInsync, stk500.RespFailed)
		return
	}
	l.put(stk500.RespInsync)
	l.put(l.buf[:n]...)
	l.put(stk500.RespOK)
	l.addr += uint32(n)
}
