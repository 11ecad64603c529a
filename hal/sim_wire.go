package hal

import "sync"

// Wire is the shared two-wire medium of a fleet. One transaction owns
// the bus from START to STOP; a Start strobed while the bus is
// foreign-owned loses arbitration immediately. Event hooks run under
// the wire lock on the strobing goroutine, so a slave answers inside
// its master's strobe exactly as a shift register would.
type Wire struct {
	mu    sync.Mutex
	ports []*WirePort
	owner *WirePort
}

func NewWire() *Wire {
	return &Wire{}
}

// NewPort attaches a new chip to the medium.
func (w *Wire) NewPort() *WirePort {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := &WirePort{w: w}
	w.ports = append(w.ports, p)
	return p
}

// find returns the live port answering to addr, excluding the asker.
// A port with no event hook is electrically absent.
func (w *Wire) find(addr byte, exclude *WirePort) *WirePort {
	for _, q := range w.ports {
		if q != exclude && q.addr == addr && q.event != nil {
			return q
		}
	}
	return nil
}

func (w *Wire) release(p *WirePort) {
	w.mu.Lock()
	if w.owner == p {
		w.owner = nil
		p.phase = phaseIdle
		p.targets = nil
	}
	w.mu.Unlock()
}

const (
	phaseIdle = iota
	phaseAddr
	phaseDataW
	phaseDataR
)

// WirePort is one chip's attachment. Master strobes come from the
// owning node's task context; slave events arrive on whichever
// goroutine is strobing the bus.
type WirePort struct {
	w     *Wire
	addr  byte
	gcall bool
	event func(status byte)

	phase   int
	gc      bool
	targets []*WirePort

	data      byte
	supplied  byte
	hasSupply bool
}

func (p *WirePort) SetOwnAddress(addr byte, gcall bool) {
	p.w.mu.Lock()
	p.addr = addr
	p.gcall = gcall
	p.w.mu.Unlock()
}

func (p *WirePort) SetEvent(fn func(status byte)) {
	p.w.mu.Lock()
	p.event = fn
	p.w.mu.Unlock()
}

// notify runs the event hook. Caller holds the wire lock.
func (p *WirePort) notify(status byte) {
	if p.event != nil {
		p.event(status)
	}
}

func (p *WirePort) Start() {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if p.w.owner != nil && p.w.owner != p {
		p.notify(TwArbLost)
		return
	}
	rep := p.w.owner == p
	if rep {
		p.closeSlaves()
	}
	p.w.owner = p
	p.phase = phaseAddr
	p.targets = nil
	p.gc = false
	if rep {
		p.notify(TwRepStart)
	} else {
		p.notify(TwStart)
	}
}

func (p *WirePort) WriteByte(b byte) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if p.w.owner != p {
		p.notify(TwBusError)
		return
	}
	switch p.phase {
	case phaseAddr:
		addr, read := b>>1, b&1 == 1
		if addr == GcallAddr && !read {
			var ts []*WirePort
			for _, q := range p.w.ports {
				if q != p && q.gcall && q.event != nil {
					ts = append(ts, q)
				}
			}
			if len(ts) == 0 {
				p.notify(TwMTSlaNACK)
				return
			}
			p.targets = ts
			p.gc = true
			p.phase = phaseDataW
			for _, t := range ts {
				t.notify(TwSRGcallACK)
			}
			p.notify(TwMTSlaACK)
			return
		}
		t := p.w.find(addr, p)
		if read {
			if t == nil {
				p.notify(TwMRSlaNACK)
				return
			}
			p.targets = []*WirePort{t}
			p.phase = phaseDataR
			t.hasSupply = false
			t.notify(TwSTSlaACK)
			if !t.hasSupply {
				t.supplied = 0xFF
			}
			p.notify(TwMRSlaACK)
			return
		}
		if t == nil {
			p.notify(TwMTSlaNACK)
			return
		}
		p.targets = []*WirePort{t}
		p.phase = phaseDataW
		t.notify(TwSRSlaACK)
		p.notify(TwMTSlaACK)
	case phaseDataW:
		for _, t := range p.targets {
			t.data = b
			if p.gc {
				t.notify(TwSRGcallData)
			} else {
				t.notify(TwSRDataACK)
			}
		}
		p.notify(TwMTDataACK)
	default:
		p.notify(TwBusError)
	}
}

func (p *WirePort) ReadByte(ack bool) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if p.w.owner != p || p.phase != phaseDataR || len(p.targets) != 1 {
		p.notify(TwBusError)
		return
	}
	t := p.targets[0]
	p.data = t.supplied
	if ack {
		t.hasSupply = false
		t.notify(TwSTDataACK)
		if !t.hasSupply {
			t.supplied = 0xFF
		}
		p.notify(TwMRDataACK)
	} else {
		t.notify(TwSTDataNACK)
		p.notify(TwMRDataNACK)
	}
}

func (p *WirePort) Stop() {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if p.w.owner != p {
		return
	}
	p.closeSlaves()
	p.w.owner = nil
	p.phase = phaseIdle
	p.targets = nil
}

// closeSlaves ends write-mode addressing: every addressed slave sees
// the stop-or-restart status. Caller holds the wire lock.
func (p *WirePort) closeSlaves() {
	if p.phase != phaseDataW {
		return
	}
	for _, t := range p.targets {
		t.notify(TwSRStop)
	}
}

// Data returns the byte behind the last receive status. Valid only
// inside the event hook.
func (p *WirePort) Data() byte { return p.data }

// SupplyByte answers a slave-transmit status. Valid only inside the
// event hook, before it returns.
func (p *WirePort) SupplyByte(b byte) {
	p.supplied = b
	p.hasSupply = true
}
