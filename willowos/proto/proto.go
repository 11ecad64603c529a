// Package proto defines the message vocabulary shared by every task:
// the closed opcode set, the task directory, IOCTL subcodes, and the
// first-byte tags used on the two-wire bus. Payload shapes are a
// per-opcode convention; the SendM* helpers in willowos/kernel keep
// call sites honest.
package proto

// Opcode identifies the message type carried in kernel.Message.Op.
// The set is closed: tasks answer ENOMSG for anything they do not
// handle, and nothing outside this table ever enters a FIFO.
type Opcode uint8

const (
	NOT_EMPTY Opcode = iota + 1
	READ
	WRITE
	REPLY_DATA
	REPLY_INFO
	REPLY_RESULT
	START
	STOP
	RESET
	SYNC
	SET_ALARM
	CANCEL
	ALARM
	PERIODIC_ALARM
	SET_IOCTL
	GET_IOCTL
	JOB
	INIT
	MASTER_COMPLETE
	SLAVE_COMPLETE
	MEDIA_CHANGE
	RDY_REQUEST
	ADC_RDY
	INIT_OK
	NOT_BUSY
	REFRESH
	UPDATE
	BUTTON_CHANGE
	RTC_INTR
	TERM
	EOC
	READ_BUTTON
)

func (o Opcode) String() string {
	switch o {
	case NOT_EMPTY:
		return "not_empty"
	case READ:
		return "read"
	case WRITE:
		return "write"
	case REPLY_DATA:
		return "reply_data"
	case REPLY_INFO:
		return "reply_info"
	case REPLY_RESULT:
		return "reply_result"
	case START:
		return "start"
	case STOP:
		return "stop"
	case RESET:
		return "reset"
	case SYNC:
		return "sync"
	case SET_ALARM:
		return "set_alarm"
	case CANCEL:
		return "cancel"
	case ALARM:
		return "alarm"
	case PERIODIC_ALARM:
		return "periodic_alarm"
	case SET_IOCTL:
		return "set_ioctl"
	case GET_IOCTL:
		return "get_ioctl"
	case JOB:
		return "job"
	case INIT:
		return "init"
	case MASTER_COMPLETE:
		return "master_complete"
	case SLAVE_COMPLETE:
		return "slave_complete"
	case MEDIA_CHANGE:
		return "media_change"
	case RDY_REQUEST:
		return "rdy_request"
	case ADC_RDY:
		return "adc_rdy"
	case INIT_OK:
		return "init_ok"
	case NOT_BUSY:
		return "not_busy"
	case REFRESH:
		return "refresh"
	case UPDATE:
		return "update"
	case BUTTON_CHANGE:
		return "button_change"
	case RTC_INTR:
		return "rtc_intr"
	case TERM:
		return "term"
	case EOC:
		return "eoc"
	case READ_BUTTON:
		return "read_button"
	default:
		return "unknown"
	}
}
