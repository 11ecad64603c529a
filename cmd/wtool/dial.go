package main

import (
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// resolvePort applies the port flag, then the port environment
// variable.
func resolvePort(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("port"); v != "" {
		return v, nil
	}
	return "", errors.New("no port: use -p or set the port environment variable")
}

// dialNode opens a console endpoint: tcp:host:port or a serial device
// path at the fleet's line rate.
func dialNode(target string) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(target, "tcp:") {
		conn, err := net.Dial("tcp", strings.TrimPrefix(target, "tcp:"))
		if err != nil {
			return nil, errors.Wrap(err, "dial")
		}
		return conn, nil
	}
	mode := &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(target, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", target)
	}
	return port, nil
}
