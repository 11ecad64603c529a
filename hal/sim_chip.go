package hal

import "sync"

// Geometry of the simulated part.
const (
	RAMBytes       = 2048
	FlashBytes     = 32 * 1024
	FlashPageBytes = 128

	defaultWatchdogMs = 4000
	watchdogShortMs   = 16
)

// ChipConfig describes one node's silicon and straps.
type ChipConfig struct {
	Name       string
	TwiAddr    byte
	Gcall      bool
	Rtc        bool
	BootPinLow bool
	Target     *Target
	WatchdogMs int
}

// SimChip is one simulated node: UART, wire attachment, programming
// pins, RAM and program flash, watchdog and reset plumbing, all driven
// from the shared virtual clock. RAM and flash survive resets; hooks
// and the watchdog do not.
type SimChip struct {
	name       string
	ser        *SimSerial
	port       *WirePort
	isp        IspPort
	flash      *SimFlash
	ram        [RAMBytes]byte
	bootPinLow bool

	mu         sync.Mutex
	tickFn     func()
	rtcFn      func()
	rtcOn      bool
	rtcDiv     int
	wdtHandler func()
	wdtArmed   bool
	wdtLeft    int
	wdtTimeout int
	cause      ResetCause
	down       bool
	resetFns   []func(ResetCause)
}

func NewChip(cfg ChipConfig, clk *SimClock, wire *Wire) *SimChip {
	c := &SimChip{
		name:       cfg.Name,
		ser:        NewSimSerial(),
		flash:      NewSimFlash(FlashBytes, FlashPageBytes),
		bootPinLow: cfg.BootPinLow,
		rtcOn:      cfg.Rtc,
		wdtTimeout: cfg.WatchdogMs,
		cause:      CausePowerOn,
	}
	if c.wdtTimeout <= 0 {
		c.wdtTimeout = defaultWatchdogMs
	}
	c.port = wire.NewPort()
	c.port.SetOwnAddress(cfg.TwiAddr, cfg.Gcall)
	if cfg.Target != nil {
		c.isp = &simIsp{t: cfg.Target}
	} else {
		c.isp = noIsp{}
	}
	clk.AddSink(c.tick)
	return c
}

func (c *SimChip) Name() string   { return c.name }
func (c *SimChip) Serial() Serial { return c.ser }
func (c *SimChip) Clock() Ticker  { return c }
func (c *SimChip) Twi() TwiPort   { return c.port }
func (c *SimChip) Isp() IspPort   { return c.isp }
func (c *SimChip) RAM() []byte    { return c.ram[:] }
func (c *SimChip) Flash() Flash   { return c.flash }

// Port exposes the raw UART for the host side of the simulation.
func (c *SimChip) Port() *SimSerial { return c.ser }

func (c *SimChip) SetTick(fn func()) {
	c.mu.Lock()
	c.tickFn = fn
	c.mu.Unlock()
}

func (c *SimChip) SetRtcPulse(fn func()) {
	c.mu.Lock()
	c.rtcFn = fn
	c.mu.Unlock()
}

// tick is the clock sink: the 1 kHz interrupt, the RTC divider and
// the watchdog countdown, in that order.
func (c *SimChip) tick() {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	tickFn := c.tickFn
	var rtcFn func()
	if c.rtcOn && c.rtcFn != nil {
		c.rtcDiv++
		if c.rtcDiv >= 1000 {
			c.rtcDiv = 0
			rtcFn = c.rtcFn
		}
	}
	var expired func()
	fire := false
	if c.wdtArmed {
		c.wdtLeft--
		if c.wdtLeft <= 0 {
			c.wdtArmed = false
			expired = c.wdtHandler
			fire = true
		}
	}
	c.mu.Unlock()

	if tickFn != nil {
		tickFn()
	}
	if rtcFn != nil {
		rtcFn()
	}
	if fire {
		if expired != nil {
			expired()
		}
		c.reset(CauseWatchdog)
	}
}

func (c *SimChip) WatchdogArm() {
	c.mu.Lock()
	c.wdtArmed = true
	c.wdtLeft = c.wdtTimeout
	c.mu.Unlock()
}

func (c *SimChip) WatchdogDisarm() {
	c.mu.Lock()
	c.wdtArmed = false
	c.mu.Unlock()
}

func (c *SimChip) WatchdogPat() {
	c.mu.Lock()
	if c.wdtArmed {
		c.wdtLeft = c.wdtTimeout
	}
	c.mu.Unlock()
}

func (c *SimChip) WatchdogShort() {
	c.mu.Lock()
	c.wdtArmed = true
	c.wdtLeft = watchdogShortMs
	c.mu.Unlock()
}

func (c *SimChip) SetWatchdogHandler(fn func()) {
	c.mu.Lock()
	c.wdtHandler = fn
	c.mu.Unlock()
}

func (c *SimChip) PullReset() {
	c.reset(CauseExternal)
}

func (c *SimChip) ResetCause() ResetCause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *SimChip) BootPinLow() bool { return c.bootPinLow }

// SetBootPin changes the strap. The pin is polled only at reset, so
// flipping it on a running chip has no effect until the next boot.
func (c *SimChip) SetBootPin(low bool) { c.bootPinLow = low }

func (c *SimChip) OnReset(fn func(ResetCause)) {
	c.mu.Lock()
	c.resetFns = append(c.resetFns, fn)
	c.mu.Unlock()
}

// reset takes the chip down: hooks cleared, bus released, cause
// recorded, observers told. RAM and flash keep their contents.
func (c *SimChip) reset(cause ResetCause) {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	c.down = true
	c.cause = cause
	c.tickFn = nil
	c.rtcFn = nil
	c.wdtHandler = nil
	c.wdtArmed = false
	fns := c.resetFns
	c.mu.Unlock()

	c.port.SetEvent(nil)
	c.port.w.release(c.port)
	c.ser.SetRx(nil)
	for _, fn := range fns {
		fn(cause)
	}
}

// Down reports whether the chip is between reset and restart.
func (c *SimChip) Down() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

// Restart brings the chip back up for the next boot. The recorded
// reset cause stays readable; reset observers are dropped so the new
// boot can register its own.
func (c *SimChip) Restart() {
	c.mu.Lock()
	c.down = false
	c.rtcDiv = 0
	c.resetFns = nil
	c.mu.Unlock()
}

type noIsp struct{}

func (noIsp) TargetReset(bool) {}
func (noIsp) Transfer([4]byte) ([4]byte, error) {
	return [4]byte{}, ErrNotImplemented
}
