// Package errcode defines the one-byte result codes that travel in the
// mtype field of reply messages. The numbering follows classic errno
// values so a code printed by a node means the same thing it would on
// the host.
package errcode

// Code is a stable one-byte result identifier. It is comparable,
// allocation-free, and implements error for host-side call sites.
type Code uint8

const (
	EOK     Code = 0
	EPERM   Code = 1
	ENOENT  Code = 2
	EIO     Code = 5
	EAGAIN  Code = 11
	ENOMEM  Code = 12
	EBUSY   Code = 16
	EINVAL  Code = 22
	ENOTTY  Code = 25
	ENOMSG  Code = 42
	ENOLINK Code = 67
	ECOMM   Code = 70
	EPROTO  Code = 71

	ETIMEDOUT Code = 110
	EHOSTDOWN Code = 112

	// EWOULDBLOCK aliases EAGAIN, as errno does.
	EWOULDBLOCK Code = EAGAIN
)

func (c Code) String() string {
	switch c {
	case EOK:
		return "ok"
	case EPERM:
		return "eperm"
	case ENOENT:
		return "enoent"
	case EIO:
		return "eio"
	case EAGAIN:
		return "eagain"
	case ENOMEM:
		return "enomem"
	case EBUSY:
		return "ebusy"
	case EINVAL:
		return "einval"
	case ENOTTY:
		return "enotty"
	case ENOMSG:
		return "enomsg"
	case ENOLINK:
		return "enolink"
	case ECOMM:
		return "ecomm"
	case EPROTO:
		return "eproto"
	case ETIMEDOUT:
		return "etimedout"
	case EHOSTDOWN:
		return "ehostdown"
	default:
		return "unknown"
	}
}

func (c Code) Error() string { return c.String() }

// OK reports whether c is the success code.
func (c Code) OK() bool { return c == EOK }

// Of extracts a Code from an error, defaulting to EIO for foreign
// errors and EOK for nil.
func Of(err error) Code {
	if err == nil {
		return EOK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	return EIO
}
