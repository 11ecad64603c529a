// Package kernel is the cooperative message dispatcher every node runs:
// one FIFO of fixed-size messages, one task table, one loop that
// extracts and dispatches a single message at a time. Interrupt-level
// code enqueues; nothing else is shared.
package kernel

import (
	"encoding/binary"
	"runtime"
	"sync"

	"willow/willowos/errcode"
	"willow/willowos/proto"
)

// FifoSlots is the capacity of the message ring. Overflow drops the
// message and counts it as lost; the FIFO never blocks a sender.
const FifoSlots = 8

// Message is the fixed-size record exchanged between tasks. Mtype
// carries an IOCTL subcode, a result code, or a caller-chosen tag
// depending on Op. The payload is a union by convention: each opcode
// documents whether Ptr+Short or Count is the valid view. Messages are
// copied into the FIFO, so a sender may reuse its record immediately.
type Message struct {
	Sender   proto.TaskID
	Receiver proto.TaskID
	Op       proto.Opcode
	Mtype    byte

	Ptr   any
	Short uint16
	Count uint32
}

// Result returns the mtype byte read as a result code.
func (m *Message) Result() errcode.Code { return errcode.Code(m.Mtype) }

// Task is a singleton finite-state machine. Receive must not block: it
// either completes synchronously or sends a message to a service and
// returns, resuming when the reply arrives. ENOMSG marks an opcode the
// task does not handle.
type Task interface {
	Receive(*Node, *Message) errcode.Code
}

// Configurer is implemented by tasks that need a setup pass before the
// INIT sweep (buffer wiring, interrupt hooks, IOCTL defaults).
type Configurer interface {
	Config(*Node)
}

// Machine is the slice of the chip the dispatcher itself touches: the
// watchdog around the idle sleep and the RAM arena the bookkeeping
// counters are mirrored into.
type Machine interface {
	WatchdogArm()
	WatchdogDisarm()
	WatchdogPat()
	RAM() []byte
}

// RAM arena offsets of the dispatcher's counters, kept current after
// every FIFO operation so a memory dump carries live figures.
const (
	ArenaReceived   = 0x00 // uint32, little-endian message cycles
	ArenaLost       = 0x04 // uint16, dropped enqueues
	ArenaMaxPending = 0x06 // uint8, FIFO high-water mark
	ArenaPending    = 0x07 // uint8, current pending count
	ArenaSize       = 0x08
)

// Node is one chip's dispatcher: the FIFO, the task table, and the
// counters the c command reports.
type Node struct {
	name string
	mach Machine

	mu         sync.Mutex
	fifo       fifo
	lost       uint16
	received   uint32
	maxPending uint8

	wakeC    chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once

	tasks [proto.NTASKS]Task

	// OnUnhandled observes messages with no registered receiver or an
	// ENOMSG verdict. Called outside the interrupt guard.
	OnUnhandled func(*Message)
}

// New creates a node dispatcher bound to a machine. The counter region
// of the arena is cleared; the rest of RAM is left as the last boot
// left it.
func New(name string, mach Machine) *Node {
	n := &Node{
		name:  name,
		mach:  mach,
		wakeC: make(chan struct{}, 1),
		stopC: make(chan struct{}),
	}
	if a := mach.RAM(); len(a) >= ArenaSize {
		for i := 0; i < ArenaSize; i++ {
			a[i] = 0
		}
	}
	return n
}

func (n *Node) Name() string { return n.name }

// Register installs the receive function for a task id. Registration
// happens before Boot; the table is not guarded afterwards.
func (n *Node) Register(id proto.TaskID, t Task) {
	n.tasks[id] = t
}

// Enqueue copies m into the FIFO. Safe from interrupt context: the
// index update runs inside the guard, and a full ring drops the
// message and counts it lost.
func (n *Node) Enqueue(m *Message) {
	n.mu.Lock()
	if !n.fifo.push(m) {
		n.lost++
		n.mirror()
		n.mu.Unlock()
		return
	}
	if p := n.fifo.pending(); p > n.maxPending {
		n.maxPending = p
	}
	n.mirror()
	n.mu.Unlock()

	select {
	case n.wakeC <- struct{}{}:
	default:
	}
}

// Guard runs fn holding the interrupt guard. Hooks running on other
// interrupt goroutines use this to sample RAM the dispatcher mirrors
// its counters into.
func (n *Node) Guard(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn()
}

// extract copies the oldest message out. With an empty FIFO it disarms
// the watchdog, sleeps until an interrupt enqueues, re-arms and
// retries. Returns false once the chip has been reset or stopped.
func (n *Node) extract(out *Message) bool {
	n.mach.WatchdogPat()
	for {
		n.mu.Lock()
		ok := n.fifo.pop(out)
		if ok {
			n.received++
			n.mirror()
		}
		n.mu.Unlock()
		if ok {
			return true
		}

		n.mach.WatchdogDisarm()
		select {
		case <-n.wakeC:
		case <-n.stopC:
			return false
		}
		n.mach.WatchdogArm()
	}
}

func (n *Node) dispatch(m *Message) {
	if m.Receiver >= proto.NTASKS || n.tasks[m.Receiver] == nil {
		if n.OnUnhandled != nil {
			n.OnUnhandled(m)
		}
		return
	}
	if rc := n.tasks[m.Receiver].Receive(n, m); rc == errcode.ENOMSG {
		if n.OnUnhandled != nil {
			n.OnUnhandled(m)
		}
	}
}

// Boot runs each registered task's Config hook in table order, then
// announces INIT through the normal dispatcher one task at a time so
// every task initialises via its own state machine. Call before Run,
// before any interrupt source is live.
func (n *Node) Boot() {
	for id := proto.TaskID(0); id < proto.NTASKS; id++ {
		if c, ok := n.tasks[id].(Configurer); ok {
			c.Config(n)
		}
	}
	var m Message
	for id := proto.TaskID(0); id < proto.NTASKS; id++ {
		if n.tasks[id] == nil {
			continue
		}
		n.SendM1(proto.NONE, id, proto.INIT)
		for n.stepOne(&m) {
		}
	}
}

// Run is the main loop: extract, dispatch, forever. It returns when
// the chip resets (watchdog, external line, loader exit) or Stop is
// called; the chip records the cause.
func (n *Node) Run() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(resetUnwind); !ok {
				panic(r)
			}
		}
	}()
	n.mach.WatchdogArm()
	var m Message
	for n.extract(&m) {
		n.dispatch(&m)
	}
}

// Stop unwinds Run. Safe from interrupt context and idempotent; the
// reset plumbing in the HAL calls this when the chip goes down.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopC) })
}

// Stopped reports whether the node has been reset or stopped.
func (n *Node) Stopped() bool {
	select {
	case <-n.stopC:
		return true
	default:
		return false
	}
}

type resetUnwind struct{}

// Spin wedges the main loop on purpose: nothing is dispatched while it
// runs and only a reset unwinds it. This is the W command's infinite
// loop, the watchdog's reason to exist.
func (n *Node) Spin() {
	for {
		select {
		case <-n.stopC:
			panic(resetUnwind{})
		default:
			runtime.Gosched()
		}
	}
}

// Step dispatches at most one pending message without sleeping.
// Returns false on an empty FIFO. Tests drive nodes with this instead
// of Run to keep executions single-threaded.
func (n *Node) Step() bool {
	var m Message
	if !n.stepOne(&m) {
		return false
	}
	return true
}

// Drain steps until the FIFO is empty and returns the number of
// messages dispatched.
func (n *Node) Drain() int {
	cnt := 0
	for n.Step() {
		cnt++
	}
	return cnt
}

func (n *Node) stepOne(m *Message) bool {
	n.mu.Lock()
	ok := n.fifo.pop(m)
	if ok {
		n.received++
		n.mirror()
	}
	n.mu.Unlock()
	if !ok {
		return false
	}
	n.dispatch(m)
	return true
}

// Counters reported by the c command.

func (n *Node) Received() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.received
}

func (n *Node) Lost() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}

func (n *Node) MaxPending() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxPending
}

func (n *Node) Pending() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fifo.pending()
}

// mirror writes the counters into the head of the RAM arena. Caller
// holds the guard.
func (n *Node) mirror() {
	a := n.mach.RAM()
	if len(a) < ArenaSize {
		return
	}
	binary.LittleEndian.PutUint32(a[ArenaReceived:], n.received)
	binary.LittleEndian.PutUint16(a[ArenaLost:], n.lost)
	a[ArenaMaxPending] = n.maxPending
	a[ArenaPending] = n.fifo.pending()
}
