package proto

// Ioctl is the subcode carried in the mtype byte of SET_IOCTL and
// GET_IOCTL messages. The payload short carries the argument; replies
// return the current value the same way.
type Ioctl uint8

const (
	// SIOC_CONSUMER (SER): route NOT_EMPTY notifications to the task
	// named by the payload short. Exactly one consumer at a time.
	SIOC_CONSUMER Ioctl = iota + 1

	// TIOC_MODE (TTY): payload short 0 selects cooked output (LF
	// becomes CRLF), 1 selects raw.
	TIOC_MODE

	// PIOC_RESET (SPI): payload short 1 asserts the target reset line,
	// 0 releases it.
	PIOC_RESET
)

// TIOC_MODE arguments.
const (
	TTY_COOKED = 0
	TTY_RAW    = 1
)

func (i Ioctl) String() string {
	switch i {
	case SIOC_CONSUMER:
		return "sioc_consumer"
	case TIOC_MODE:
		return "tioc_mode"
	case PIOC_RESET:
		return "pioc_reset"
	default:
		return "unknown"
	}
}
