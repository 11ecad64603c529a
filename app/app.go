// Package app composes one node's task table from its role: every node
// carries the clock, serial, console buffer, bus, dump and date
// services; a bridge adds the two operator consoles and the hex
// dialogue; a node with a programming harness adds the ISP pair.
package app

import (
	"willow/hal"
	"willow/internal/netconfig"
	"willow/willowos/kernel"
	"willow/willowos/proto"
	"willow/willowos/services/cli"
	"willow/willowos/services/clock"
	"willow/willowos/services/date"
	"willow/willowos/services/dump"
	"willow/willowos/services/hexio"
	"willow/willowos/services/icsp"
	"willow/willowos/services/inp"
	"willow/willowos/services/serial"
	"willow/willowos/services/spi"
	"willow/willowos/services/tty"
	"willow/willowos/services/twi"
)

// Line buffers sit in the RAM arena right behind the dispatcher
// counters, so a post-mortem dump shows the operator's last lines.
const (
	lineBytes = 80

	inpLine   = kernel.ArenaSize
	cliLine   = inpLine + lineBytes
	hexLine   = cliLine + lineBytes
	arenaUsed = hexLine + lineBytes
)

// dateEveryMs is the default time-of-day broadcast period.
const dateEveryMs = 60000

type Config struct {
	Role   string
	Addr   byte
	Rtc    bool
	Target bool
	Debug  bool

	// DateEveryMs overrides the broadcast period. Zero keeps the
	// default.
	DateEveryMs uint32
}

// FromNode maps one fleet entry to a node composition.
func FromNode(nc netconfig.NodeConfig, debug bool) Config {
	return Config{
		Role:   nc.Role,
		Addr:   nc.Addr,
		Rtc:    nc.Rtc,
		Target: nc.Target,
		Debug:  debug,
	}
}

// System is one booted node.
type System struct {
	Node *kernel.Node
	Date *date.Service
}

// NewNode builds, registers and boots the task table for one chip.
// The caller owns the main loop: Run for a live node, Step for tests.
func NewNode(name string, chip hal.Chip, cfg Config) *System {
	n := kernel.New(name, chip)
	chip.OnReset(func(hal.ResetCause) { n.Stop() })

	if cfg.Debug {
		// The post-mortem cannot go through the tasks it is reporting
		// on; it writes to the wire directly before the reset lands.
		ram := chip.RAM()
		port := chip.Serial()
		chip.SetWatchdogHandler(func() {
			dump.Raw(port, ram, 0, uint16(len(ram)))
		})
	}

	clk := clock.New(chip.Clock())
	n.Register(proto.CLK, clk)
	n.Register(proto.SER, serial.New(chip.Serial()))
	n.Register(proto.TTY, tty.New())

	// Mirrors listen on the general call for the time broadcast.
	bus := twi.New(chip.Twi(), cfg.Addr, !cfg.Rtc)
	n.Register(proto.TWI, bus)

	n.Register(proto.DUMP, dump.New(chip.RAM()))

	var d *date.Service
	if cfg.Rtc {
		every := cfg.DateEveryMs
		if every == 0 {
			every = dateEveryMs
		}
		d = date.NewKeeper(chip, bus, clk, every)
	} else {
		d = date.NewMirror()
	}
	n.Register(proto.DATE, d)

	if cfg.Role == netconfig.RoleBridge {
		arena := chip.RAM()
		n.Register(proto.INP, inp.New(arena[inpLine:cliLine], chip))
		n.Register(proto.CLI, cli.New(arena[cliLine:hexLine]))
		n.Register(proto.HEX, hexio.New(arena[hexLine:arenaUsed]))
	}

	if cfg.Target {
		n.Register(proto.SPI, spi.New(chip.Isp()))
		n.Register(proto.ISP, icsp.New())
	}

	n.Boot()
	return &System{Node: n, Date: d}
}
