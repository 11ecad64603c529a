package proto

// TaskID names a singleton task. Task identifiers are the only
// addressing primitive inside a node: dispatch indexes the task table
// by the receiver field, nothing else.
type TaskID uint8

const (
	// NONE is the null sender used by interrupt-level enqueues and the
	// boot-time INIT sweep.
	NONE TaskID = iota
	CLK         // alarm clock service
	SER         // serial line driver
	TTY         // console output buffer
	TWI         // two-wire transport
	INP         // terse input interpreter
	CLI         // command-line interpreter
	SPI         // serial-programming byte shifter
	ISP         // in-system programmer
	HEX         // Intel-HEX dialogue
	DUMP        // memory dump service
	DATE        // UTC keeper

	NTASKS
)

func (t TaskID) String() string {
	switch t {
	case NONE:
		return "none"
	case CLK:
		return "clk"
	case SER:
		return "ser"
	case TTY:
		return "tty"
	case TWI:
		return "twi"
	case INP:
		return "inp"
	case CLI:
		return "cli"
	case SPI:
		return "spi"
	case ISP:
		return "isp"
	case HEX:
		return "hex"
	case DUMP:
		return "dump"
	case DATE:
		return "date"
	default:
		return "unknown"
	}
}
