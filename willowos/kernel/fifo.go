package kernel

// fifo is the process-wide message ring. Index arithmetic is modular
// uint8, so in-out is the pending count even across wraparound.
type fifo struct {
	in    uint8
	out   uint8
	slots [FifoSlots]Message
}

func (f *fifo) push(m *Message) bool {
	if f.in-f.out >= FifoSlots {
		return false
	}
	f.slots[f.in%FifoSlots] = *m
	f.in++
	return true
}

func (f *fifo) pop(out *Message) bool {
	if f.out == f.in {
		return false
	}
	*out = f.slots[f.out%FifoSlots]
	f.out++
	return true
}

func (f *fifo) pending() uint8 {
	return f.in - f.out
}
