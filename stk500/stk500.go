// Package stk500 carries the wire vocabulary of the loader's protocol
// subset and the host-side client that speaks it. Both ends of the
// conversation live in this repo, so these constants are the single
// source of truth for the loader, the host tool, and the tests that
// drive one against the other.
package stk500

// Response and framing bytes.
const (
	RespOK     byte = 0x10
	RespFailed byte = 0x11
	RespInsync byte = 0x14
	RespNosync byte = 0x15
	CrcEop     byte = 0x20
)

// Command bytes. Anything the loader does not recognise is answered
// with a bare in-sync/ok pair, which is also what keeps GET_SYNC and
// ENTER_PROGMODE working without naming them.
const (
	CmdGetSync       byte = 0x30
	CmdGetParameter  byte = 0x41
	CmdSetDevice     byte = 0x42
	CmdSetDeviceExt  byte = 0x45
	CmdEnterProgmode byte = 0x50
	CmdLeaveProgmode byte = 0x51
	CmdLoadAddress   byte = 0x55
	CmdUniversal     byte = 0x56
	CmdProgPage      byte = 0x64
	CmdReadPage      byte = 0x74
	CmdReadSign      byte = 0x75
)

// Version parameters the loader answers; any other parameter reads as
// ParamUnknown.
const (
	ParamSwMajor byte = 0x81
	ParamSwMinor byte = 0x82

	SwMajor      byte = 0x04
	SwMinor      byte = 0x04
	ParamUnknown byte = 0x03
)

// Memory types carried by the page commands. The loader serves flash
// only.
const (
	MemFlash  byte = 'F'
	MemEeprom byte = 'E'
)
