package stk500

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// ErrNoSync reports a NOSYNC answer: the loader dropped the command
// and is waiting for the next one, so the caller may simply retry.
var ErrNoSync = errors.New("stk500: no sync")

// Client drives a loader over any byte stream: a serial port, a TCP
// bridge, or a simulated UART's host end.
type Client struct {
	rw io.ReadWriter
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// roundTrip sends one command frame and collects n reply bytes from
// between the in-sync and ok markers.
func (c *Client) roundTrip(cmd []byte, n int) ([]byte, error) {
	frame := make([]byte, 0, len(cmd)+1)
	frame = append(frame, cmd...)
	frame = append(frame, CrcEop)
	if _, err := c.rw.Write(frame); err != nil {
		return nil, errors.Wrap(err, "stk500: write")
	}

	var b [1]byte
	if _, err := io.ReadFull(c.rw, b[:]); err != nil {
		return nil, errors.Wrap(err, "stk500: read")
	}
	switch b[0] {
	case RespInsync:
	case RespNosync:
		return nil, ErrNoSync
	default:
		return nil, errors.Errorf("stk500: expected insync, got %#02x", b[0])
	}

	var reply []byte
	if n > 0 {
		reply = make([]byte, n)
		if _, err := io.ReadFull(c.rw, reply); err != nil {
			return nil, errors.Wrap(err, "stk500: read reply")
		}
	}
	if _, err := io.ReadFull(c.rw, b[:]); err != nil {
		return nil, errors.Wrap(err, "stk500: read")
	}
	switch b[0] {
	case RespOK:
		return reply, nil
	case RespFailed:
		return nil, errors.New("stk500: command failed")
	default:
		return nil, errors.Errorf("stk500: expected ok, got %#02x", b[0])
	}
}

// Sync gets the loader's attention. A freshly reset loader may be mid
// garbage byte, so a couple of NOSYNC answers are part of the dance.
func (c *Client) Sync() error {
	var err error
	for i := 0; i < 5; i++ {
		if _, err = c.roundTrip([]byte{CmdGetSync}, 0); err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSync) {
			return err
		}
	}
	return errors.Wrap(err, "stk500: sync")
}

func (c *Client) Parameter(p byte) (byte, error) {
	reply, err := c.roundTrip([]byte{CmdGetParameter, p}, 1)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

// SetDevice sends the twenty device descriptor bytes the loader
// accepts and ignores.
func (c *Client) SetDevice() error {
	cmd := make([]byte, 21)
	cmd[0] = CmdSetDevice
	_, err := c.roundTrip(cmd, 0)
	return err
}

func (c *Client) SetDeviceExt() error {
	cmd := make([]byte, 6)
	cmd[0] = CmdSetDeviceExt
	_, err := c.roundTrip(cmd, 0)
	return err
}

func (c *Client) EnterProgmode() error {
	_, err := c.roundTrip([]byte{CmdEnterProgmode}, 0)
	return err
}

// LeaveProgmode ends the session; the loader arms its short watchdog
// and restarts into the application.
func (c *Client) LeaveProgmode() error {
	_, err := c.roundTrip([]byte{CmdLeaveProgmode}, 0)
	return err
}

// LoadAddress sets the word address the next page command works at.
func (c *Client) LoadAddress(word uint16) error {
	_, err := c.roundTrip([]byte{CmdLoadAddress, byte(word), byte(word >> 8)}, 0)
	return err
}

func (c *Client) Universal(u [4]byte) (byte, error) {
	reply, err := c.roundTrip([]byte{CmdUniversal, u[0], u[1], u[2], u[3]}, 1)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

func (c *Client) ProgPage(mem byte, data []byte) error {
	cmd := make([]byte, 0, 4+len(data))
	cmd = append(cmd, CmdProgPage, byte(len(data)>>8), byte(len(data)), mem)
	cmd = append(cmd, data...)
	_, err := c.roundTrip(cmd, 0)
	return err
}

func (c *Client) ReadPage(mem byte, n int) ([]byte, error) {
	return c.roundTrip([]byte{CmdReadPage, byte(n >> 8), byte(n), mem}, n)
}

func (c *Client) ReadSign() ([3]byte, error) {
	var sig [3]byte
	reply, err := c.roundTrip([]byte{CmdReadSign}, 3)
	if err != nil {
		return sig, err
	}
	copy(sig[:], reply)
	return sig, nil
}

// WriteImage programs img from byte address zero, one page per
// command.
func (c *Client) WriteImage(img []byte, pageBytes int) error {
	for off := 0; off < len(img); off += pageBytes {
		end := min(off+pageBytes, len(img))
		if err := c.LoadAddress(uint16(off / 2)); err != nil {
			return errors.Wrapf(err, "page at %#04x", off)
		}
		if err := c.ProgPage(MemFlash, img[off:end]); err != nil {
			return errors.Wrapf(err, "page at %#04x", off)
		}
	}
	return nil
}

// VerifyImage reads the programmed range back and compares.
func (c *Client) VerifyImage(img []byte, pageBytes int) error {
	for off := 0; off < len(img); off += pageBytes {
		end := min(off+pageBytes, len(img))
		if err := c.LoadAddress(uint16(off / 2)); err != nil {
			return errors.Wrapf(err, "page at %#04x", off)
		}
		back, err := c.ReadPage(MemFlash, end-off)
		if err != nil {
			return errors.Wrapf(err, "page at %#04x", off)
		}
		if !bytes.Equal(back, img[off:end]) {
			return errors.Errorf("stk500: verify mismatch in page at %#04x", off)
		}
	}
	return nil
}
