package proto

// Tag is the first byte of every two-wire transaction. It selects
// which registered local task is the natural responder: reads are
// served from that task's standing slave buffer, writes are delivered
// to it after the stop condition as an opcode-tagged message.
type Tag uint8

const (
	UTC_REQUEST Tag = iota + 1
	DATE_NOTIFY
	BAROMETER_NOTIFY
	MEM_REQUEST
)

func (t Tag) String() string {
	switch t {
	case UTC_REQUEST:
		return "utc_request"
	case DATE_NOTIFY:
		return "date_notify"
	case BAROMETER_NOTIFY:
		return "barometer_notify"
	case MEM_REQUEST:
		return "mem_request"
	default:
		return "unknown"
	}
}
