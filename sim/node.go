package sim

import (
	"context"

	"github.com/golang/glog"

	"willow/app"
	"willow/boot"
	"willow/hal"
	"willow/internal/netconfig"
	"willow/willowos/kernel"
)

// runNode drives one chip through its reset lifecycle until ctx says
// stop. Each pass inspects the entry condition the way the vector
// would: external reset with the strap low runs the loader, anything
// else runs the application.
func (f *Fleet) runNode(ctx context.Context, nc netconfig.NodeConfig, chip *hal.SimChip) {
	for {
		if ctx.Err() != nil {
			return
		}
		if boot.Entered(chip) {
			f.runLoader(ctx, nc, chip)
		} else {
			f.runApp(ctx, nc, chip)
		}
		if ctx.Err() != nil {
			return
		}
		chip.Restart()
	}
}

func (f *Fleet) runLoader(ctx context.Context, nc netconfig.NodeConfig, chip *hal.SimChip) {
	glog.V(1).Infof("%s: loader listening", nc.Name)
	stop := make(chan struct{})
	chip.OnReset(func(hal.ResetCause) { close(stop) })

	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			chip.PullReset()
		case <-watch:
		}
	}()

	boot.Run(chip, stop)
	// On leave the loader returns before its short watchdog lands; the
	// next pass must not start until the chip is actually down.
	<-stop
	close(watch)
	glog.V(1).Infof("%s: loader out (%s)", nc.Name, chip.ResetCause())
}

func (f *Fleet) runApp(ctx context.Context, nc netconfig.NodeConfig, chip *hal.SimChip) {
	sys := app.NewNode(nc.Name, chip, app.FromNode(nc, f.cfg.Network.Debug))
	if f.cfg.Network.Debug {
		name := nc.Name
		sys.Node.OnUnhandled = func(m *kernel.Message) {
			glog.Warningf("%s: no consumer for %s -> %s op %d", name, m.Sender, m.Receiver, m.Op)
		}
	}
	glog.V(1).Infof("%s: up after %s reset", nc.Name, chip.ResetCause())

	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sys.Node.Stop()
		case <-watch:
		}
	}()

	sys.Node.Run()
	close(watch)
	glog.V(1).Infof("%s: down (%s)", nc.Name, chip.ResetCause())
}
