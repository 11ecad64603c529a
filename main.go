package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/golang/glog"

	"willow/internal/netconfig"
	"willow/sim"
)

func main() {
	var (
		cfgPath string
		console string
		hz      int
		ticks   uint64
	)
	flag.StringVar(&cfgPath, "config", "", "Fleet description (yaml); empty runs the built-in two-node bench.")
	flag.StringVar(&console, "console", "", "Override the bridge console endpoint (stdio, tcp:<port> or serial:<path>).")
	flag.IntVar(&hz, "hz", 1000, "Virtual clock rate against wall time (0 freezes the clock).")
	flag.Uint64Var(&ticks, "ticks", 0, "Stop after N virtual ticks (0 = run forever).")
	flag.Parse()
	defer glog.Flush()

	cfg := netconfig.Default()
	if cfgPath != "" {
		var err error
		cfg, err = netconfig.Load(cfgPath)
		if err != nil {
			fatal(err)
		}
	}
	if console != "" {
		for i := range cfg.Network.Nodes {
			if cfg.Network.Nodes[i].Role == netconfig.RoleBridge {
				cfg.Network.Nodes[i].Console = console
				break
			}
		}
	}
	if err := netconfig.Validate(cfg); err != nil {
		fatal(err)
	}
	netconfig.Normalize(cfg)

	f, err := sim.New(cfg)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	glog.Infof("fleet of %d nodes at %d Hz", len(cfg.Network.Nodes), hz)
	if err := f.Run(ctx, sim.Options{Hz: hz, Ticks: ticks}); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
