// Package sim assembles a fleet from a netconfig and runs it: one
// arbitrated wire, one virtual clock, a simulated chip per node, the
// role-appropriate task table booted on each. Node lifecycles loop
// through resets the way the silicon would: external reset with the
// strap low lands in the loader, everything else lands in the
// application. The daemon pumps the virtual clock from wall time;
// tests advance it by hand.
package sim

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"willow/hal"
	"willow/internal/netconfig"
)

type Fleet struct {
	cfg  *netconfig.Config
	clk  *hal.SimClock
	wire *hal.Wire

	chips    map[string]*hal.SimChip
	targets  map[string]*hal.Target
	consoles []*console
}

// New builds the chips and binds the console endpoints. The fleet is
// inert until Run; cfg must already be validated and normalized.
func New(cfg *netconfig.Config) (*Fleet, error) {
	f := &Fleet{
		cfg:     cfg,
		clk:     hal.NewSimClock(),
		wire:    hal.NewWire(),
		chips:   make(map[string]*hal.SimChip),
		targets: make(map[string]*hal.Target),
	}
	for _, nc := range cfg.Network.Nodes {
		var tgt *hal.Target
		if nc.Target {
			tgt = hal.NewTarget()
			f.targets[nc.Name] = tgt
		}
		ms := cfg.Network.WatchdogMs
		if nc.WatchdogMs != nil {
			ms = *nc.WatchdogMs
		}
		chip := hal.NewChip(hal.ChipConfig{
			Name:       nc.Name,
			TwiAddr:    nc.Addr,
			Gcall:      !nc.Rtc,
			Rtc:        nc.Rtc,
			BootPinLow: nc.StrapLow,
			Target:     tgt,
			WatchdogMs: ms,
		}, f.clk, f.wire)
		f.chips[nc.Name] = chip

		if err := f.bindConsole(nc, chip); err != nil {
			f.closeConsoles()
			return nil, err
		}
	}
	return f, nil
}

// Clock is the fleet's virtual time source.
func (f *Fleet) Clock() *hal.SimClock { return f.clk }

// Chip returns a node's silicon, for tests and diagnostics.
func (f *Fleet) Chip(name string) *hal.SimChip { return f.chips[name] }

// Target returns the chip behind a node's programming pins, or nil.
func (f *Fleet) Target(name string) *hal.Target { return f.targets[name] }

// ConsoleAddr reports a dialable address for a node's tcp console,
// empty for other endpoint kinds. Useful with port 0 configs, where
// the bound port is only known after New.
func (f *Fleet) ConsoleAddr(name string) string {
	for _, c := range f.consoles {
		if c.node != name || c.ln == nil {
			continue
		}
		addr, ok := c.ln.Addr().(*net.TCPAddr)
		if !ok {
			return c.ln.Addr().String()
		}
		if addr.IP.IsUnspecified() {
			return fmt.Sprintf("127.0.0.1:%d", addr.Port)
		}
		return addr.String()
	}
	return ""
}

// Options control the daemon side of Run.
type Options struct {
	// Hz is the wall-clock pump rate; zero leaves the virtual clock to
	// the caller.
	Hz int
	// Ticks stops the fleet after that much virtual time (pump only).
	Ticks uint64
}

// Run boots every node and blocks until ctx is cancelled or the tick
// budget runs out.
func (f *Fleet) Run(ctx context.Context, opts Options) error {
	g, gctx := errgroup.WithContext(ctx)
	rctx, stopAll := context.WithCancel(gctx)
	defer stopAll()

	for _, nc := range f.cfg.Network.Nodes {
		nc := nc
		chip := f.chips[nc.Name]
		g.Go(func() error {
			f.runNode(rctx, nc, chip)
			return nil
		})
	}
	f.serveConsoles(rctx)

	if opts.Hz > 0 {
		g.Go(func() error {
			f.pump(rctx, opts, stopAll)
			return nil
		})
	}

	err := g.Wait()
	f.closeConsoles()
	return err
}

// pump advances virtual time from a wall ticker. The virtual clock is
// 1 kHz, so rates above that only shrink the batch to its floor.
func (f *Fleet) pump(ctx context.Context, opts Options, stopAll func()) {
	hz := opts.Hz
	if hz > 1000 {
		hz = 1000
	}
	per := 1000 / hz
	t := time.NewTicker(time.Second / time.Duration(hz))
	defer t.Stop()

	var total uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.clk.Advance(per)
			total += uint64(per)
			if opts.Ticks > 0 && total >= opts.Ticks {
				glog.V(1).Infof("tick budget %d reached", opts.Ticks)
				stopAll()
				return
			}
		}
	}
}
