// Package ihex reads and writes Intel-HEX records: the on-the-wire
// form every programming dialogue in this system speaks. The parser is
// strict — leading colon, uppercase interior hex, verified trailing
// checksum — because the node side rejects a line rather than guess.
package ihex

import (
	"errors"
	"fmt"
)

// Record types. 0x00 through 0x04 are the standard set; the 0x2x
// range is the programmer extension for fuse, lock, signature and
// calibration access, chip erase, and range read-back.
const (
	TypeData      = 0x00
	TypeEOF       = 0x01
	TypeExtLinear = 0x04
	TypeMiscWrite = 0x20
	TypeMiscRead  = 0x21
	TypeErase     = 0x22
	TypeReadData  = 0x23
)

// EepromSegment is the extended-linear-address value that switches the
// programmer from flash to EEPROM.
const EepromSegment = 0x0081

// Eof is the canonical end-of-file line.
const Eof = ":00000001FF"

// MaxData caps the data field of a single record. Sixteen is what the
// tools emit; parse tolerance runs to twice that so hand-fed lines
// still fit a node's line buffer.
const MaxData = 32

var (
	ErrFraming  = errors.New("ihex: bad framing")
	ErrChecksum = errors.New("ihex: bad checksum")
	ErrLength   = errors.New("ihex: bad length")
)

// Record is one line: a type, a big-endian address, and up to MaxData
// payload bytes.
type Record struct {
	Type byte
	Addr uint16
	Data []byte
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Parse decodes one line, without its newline. The 8-bit sum of every
// decoded byte, checksum included, must come to zero.
func Parse(line []byte) (Record, error) {
	if len(line) < 11 || line[0] != ':' {
		return Record{}, ErrFraming
	}
	body := line[1:]
	if len(body)%2 != 0 {
		return Record{}, ErrFraming
	}
	raw := make([]byte, len(body)/2)
	for i := 0; i < len(raw); i++ {
		hi, ok1 := nibble(body[2*i])
		lo, ok2 := nibble(body[2*i+1])
		if !ok1 || !ok2 {
			return Record{}, ErrFraming
		}
		raw[i] = hi<<4 | lo
	}

	n := int(raw[0])
	if n > MaxData {
		return Record{}, fmt.Errorf("%w: %d data bytes", ErrLength, n)
	}
	if len(raw) != 5+n {
		return Record{}, fmt.Errorf("%w: count %d in a %d-byte record", ErrLength, n, len(raw))
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return Record{}, ErrChecksum
	}

	return Record{
		Type: raw[3],
		Addr: uint16(raw[1])<<8 | uint16(raw[2]),
		Data: raw[4 : 4+n],
	}, nil
}

const hexDigits = "0123456789ABCDEF"

// Append emits r as a checksum-stamped line into dst, colon included,
// newline excluded. It never allocates beyond dst's growth.
func (r Record) Append(dst []byte) []byte {
	dst = append(dst, ':')
	sum := byte(len(r.Data)) + byte(r.Addr>>8) + byte(r.Addr) + r.Type
	dst = appendHex(dst, byte(len(r.Data)))
	dst = appendHex(dst, byte(r.Addr>>8))
	dst = appendHex(dst, byte(r.Addr))
	dst = appendHex(dst, r.Type)
	for _, b := range r.Data {
		sum += b
		dst = appendHex(dst, b)
	}
	return appendHex(dst, -sum)
}

func (r Record) String() string {
	return string(r.Append(nil))
}

func appendHex(dst []byte, b byte) []byte {
	return append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
}

// AppendData emits a data record for addr, the shape the dump paths
// and read-back replies share.
func AppendData(dst []byte, addr uint16, data []byte) []byte {
	return Record{Type: TypeData, Addr: addr, Data: data}.Append(dst)
}
