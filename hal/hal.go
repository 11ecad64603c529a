// Package hal is the only contact point between the OS tasks and the
// machine: the UART, the millisecond timer, the two-wire interface,
// the programming pins, the watchdog and the memories. The sim_*.go
// files implement it against a virtual clock so a whole fleet runs in
// one process; the interfaces are what a port to real silicon would
// fill in.
package hal

import "errors"

var ErrNotImplemented = errors.New("not implemented")

// Serial is the UART. Write transmits synchronously; received bytes
// arrive one at a time through the RX hook in interrupt context.
type Serial interface {
	Write(p []byte) (int, error)
	SetRx(fn func(b byte))
}

// Ticker delivers the 1 kHz system tick in interrupt context.
type Ticker interface {
	SetTick(fn func())
}

// TwiPort is the two-wire interface at hardware granularity. The
// master side strobes one bus action at a time; every completed action
// raises the event hook with the familiar status codes (0x08 start
// sent, 0x18 SLA+W acked, 0x38 arbitration lost, ...). Inside the
// hook, Data returns the byte behind a receive status and SupplyByte
// must be called synchronously to answer a slave-transmit status.
// Master strobes must not be issued from inside the hook.
type TwiPort interface {
	SetOwnAddress(addr byte, gcall bool)
	SetEvent(fn func(status byte))

	Start()
	WriteByte(b byte)
	ReadByte(ack bool)
	Stop()

	Data() byte
	SupplyByte(b byte)
}

// Two-wire status codes as the event hook reports them.
const (
	TwStart       = 0x08
	TwRepStart    = 0x10
	TwMTSlaACK    = 0x18
	TwMTSlaNACK   = 0x20
	TwMTDataACK   = 0x28
	TwMTDataNACK  = 0x30
	TwArbLost     = 0x38
	TwMRSlaACK    = 0x40
	TwMRSlaNACK   = 0x48
	TwMRDataACK   = 0x50
	TwMRDataNACK  = 0x58
	TwSRSlaACK    = 0x60
	TwSRGcallACK  = 0x70
	TwSRDataACK   = 0x80
	TwSRGcallData = 0x90
	TwSRStop      = 0xA0
	TwSTSlaACK    = 0xA8
	TwSTDataACK   = 0xB8
	TwSTDataNACK  = 0xC0
	TwBusError    = 0x00
)

// GcallAddr is the broadcast address every slave may elect to answer.
const GcallAddr = 0x00

// IspPort is the programming connection to a neighbouring target chip:
// its reset line plus the four-byte command shifter.
type IspPort interface {
	TargetReset(asserted bool)
	Transfer(cmd [4]byte) ([4]byte, error)
}

// Flash is raw non-volatile memory: the node's own program space for
// the bootloader, and the target's flash and EEPROM images behind the
// programming pins.
type Flash interface {
	SizeBytes() uint32
	PageBytes() uint32
	ReadAt(p []byte, off uint32) (int, error)
	WriteAt(p []byte, off uint32) (int, error)
	Erase(off, size uint32) error
}

// ResetCause is preserved across a reset, the way a status register
// survives until cleared.
type ResetCause uint8

const (
	CausePowerOn ResetCause = iota
	CauseExternal
	CauseWatchdog
)

func (c ResetCause) String() string {
	switch c {
	case CausePowerOn:
		return "power-on"
	case CauseExternal:
		return "external"
	case CauseWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// Chip aggregates one node's peripherals. The watchdog methods satisfy
// the dispatcher's machine contract directly; WatchdogShort arms the
// minimal timeout the loader uses to restart into the application.
type Chip interface {
	Serial() Serial
	Clock() Ticker
	Twi() TwiPort
	Isp() IspPort

	RAM() []byte
	Flash() Flash

	WatchdogArm()
	WatchdogDisarm()
	WatchdogPat()
	WatchdogShort()
	SetWatchdogHandler(fn func())

	PullReset()
	ResetCause() ResetCause
	BootPinLow() bool
	SetRtcPulse(fn func())
	OnReset(fn func(ResetCause))
}
