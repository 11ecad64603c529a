package sim

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"willow/hal"
	"willow/internal/netconfig"
)

const consoleBaud = 115200

// console joins one node's serial line to an outside endpoint. A
// single pump drains the line for the console's whole life; whatever
// is attached at that moment gets the bytes, and with nothing attached
// they fall on the floor, the same as an unwatched line.
type console struct {
	node  string
	port  *hal.HostPort
	ln    net.Listener
	dev   serial.Port
	stdio bool

	mu  sync.Mutex
	out io.Writer
}

func (c *console) setOut(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}

func (c *console) sink() io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// bindConsole claims the endpoint up front so a bad config fails the
// build, not the first attach.
func (f *Fleet) bindConsole(nc netconfig.NodeConfig, chip *hal.SimChip) error {
	c := &console{node: nc.Name, port: hal.NewHostPort(chip.Port())}
	switch {
	case nc.Console == "" || nc.Console == "none":
		return nil
	case nc.Console == "stdio":
		c.stdio = true
	case strings.HasPrefix(nc.Console, "tcp:"):
		ln, err := net.Listen("tcp", ":"+strings.TrimPrefix(nc.Console, "tcp:"))
		if err != nil {
			return err
		}
		c.ln = ln
	case strings.HasPrefix(nc.Console, "serial:"):
		dev, err := serial.Open(strings.TrimPrefix(nc.Console, "serial:"), &serial.Mode{BaudRate: consoleBaud})
		if err != nil {
			return err
		}
		c.dev = dev
	}
	f.consoles = append(f.consoles, c)
	return nil
}

func (f *Fleet) serveConsoles(ctx context.Context) {
	for _, c := range f.consoles {
		go c.outPump()
		switch {
		case c.ln != nil:
			glog.Infof("%s: console on %s", c.node, c.ln.Addr())
			go c.acceptLoop(ctx)
		case c.dev != nil:
			c.setOut(c.dev)
			go func(c *console) {
				<-ctx.Done()
				c.dev.Close()
			}(c)
			go io.Copy(c.port, c.dev)
		case c.stdio:
			c.setOut(os.Stdout)
			go io.Copy(c.port, os.Stdin)
		}
	}
}

func (f *Fleet) closeConsoles() {
	for _, c := range f.consoles {
		if c.ln != nil {
			c.ln.Close()
		}
		if c.dev != nil {
			c.dev.Close()
		}
	}
}

// outPump is the line's only reader. It parks in Read once the fleet
// stops and goes away with the process.
func (c *console) outPump() {
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return
		}
		if w := c.sink(); w != nil {
			w.Write(buf[:n])
		}
	}
}

// acceptLoop serves attachments one at a time, the way a serial jack
// would.
func (c *console) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.ln.Close()
	}()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				glog.Errorf("%s: console accept: %v", c.node, err)
			}
			return
		}
		glog.V(1).Infof("%s: console attach %s", c.node, conn.RemoteAddr())
		c.serve(ctx, conn)
		glog.V(1).Infof("%s: console detach %s", c.node, conn.RemoteAddr())
	}
}

func (c *console) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	c.setOut(conn)
	defer c.setOut(nil)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.port.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
