// Package clock is the alarm service: a monotonic 1 kHz tick counter,
// a delta-sorted list of one-shot alarms, and a fixed set of periodic
// slots. One tick is one millisecond.
package clock

import (
	"sync"

	"willow/hal"
	"willow/willowos/errcode"
	"willow/willowos/kernel"
	"willow/willowos/proto"
)

const maxPeriodic = 4

// ClkInfo is a client-owned alarm record. The client fills Uval with a
// millisecond delay and Reply with its own id before SET_ALARM; while
// queued, Uval holds the delta to the predecessor in the active list.
// The same record comes back in the ALARM message's pointer slot.
type ClkInfo struct {
	next   *ClkInfo
	queued bool

	Reply proto.TaskID
	Uval  uint32
}

type periodic struct {
	inUse    bool
	reply    proto.TaskID
	interval uint32
	left     uint32
}

// Service owns the active list. The tick half runs in interrupt
// context; the receive half runs in the dispatcher; the short mutex
// section around the list splice is what keeps them honest.
type Service struct {
	tk   hal.Ticker
	node *kernel.Node

	mu    sync.Mutex
	ticks uint64
	head  *ClkInfo
	per   [maxPeriodic]periodic
}

func New(tk hal.Ticker) *Service {
	return &Service{tk: tk}
}

// Ticks returns the monotonic tick count.
func (s *Service) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// AddPeriodic claims a periodic slot at config time. Slots are fixed
// for the life of the boot; there is no message to release one.
func (s *Service) AddPeriodic(reply proto.TaskID, everyMs uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.per {
		if s.per[i].inUse {
			continue
		}
		s.per[i] = periodic{inUse: true, reply: reply, interval: everyMs, left: everyMs}
		return true
	}
	return false
}

func (s *Service) Config(n *kernel.Node) {
	s.node = n
	s.tk.SetTick(s.tick)
}

// tick advances time, decrements the head delta, detaches every
// expired entry and posts its alarm. Expired entries with equal expiry
// leave in insertion order because the list was built that way.
func (s *Service) tick() {
	n := s.node

	var ready, readyTail *ClkInfo
	var fired [maxPeriodic]bool

	s.mu.Lock()
	s.ticks++
	if s.head != nil {
		if s.head.Uval > 0 {
			s.head.Uval--
		}
		for s.head != nil && s.head.Uval == 0 {
			e := s.head
			s.head = e.next
			e.next = nil
			e.queued = false
			if readyTail == nil {
				ready = e
			} else {
				readyTail.next = e
			}
			readyTail = e
		}
	}
	for i := range s.per {
		p := &s.per[i]
		if !p.inUse {
			continue
		}
		p.left--
		if p.left == 0 {
			p.left = p.interval
			fired[i] = true
		}
	}
	s.mu.Unlock()

	for e := ready; e != nil; {
		nx := e.next
		e.next = nil
		n.SendM3(proto.CLK, e.Reply, proto.ALARM, e, 0)
		e = nx
	}
	for i := range fired {
		if fired[i] {
			n.SendM2(proto.CLK, s.per[i].reply, proto.PERIODIC_ALARM, byte(i))
		}
	}
}

func (s *Service) Receive(n *kernel.Node, m *kernel.Message) errcode.Code {
	switch m.Op {
	case proto.INIT:
		return errcode.EOK
	case proto.SET_ALARM:
		info, ok := m.Ptr.(*ClkInfo)
		if !ok || info == nil {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		s.mu.Lock()
		if info.queued {
			s.mu.Unlock()
			n.ReplyResult(m, errcode.EBUSY)
			return errcode.EOK
		}
		info.queued = true
		s.insert(info)
		s.mu.Unlock()
		n.ReplyResult(m, errcode.EOK)
		return errcode.EOK
	case proto.CANCEL:
		info, ok := m.Ptr.(*ClkInfo)
		if !ok || info == nil {
			n.ReplyResult(m, errcode.EINVAL)
			return errcode.EOK
		}
		s.mu.Lock()
		s.remove(info)
		s.mu.Unlock()
		n.ReplyResult(m, errcode.EOK)
		return errcode.EOK
	}
	return errcode.ENOMSG
}

// insert places e by its millisecond delay, rewriting Uval to the
// delta encoding: walk while the remaining key is not less than the
// current entry's delta, subtracting as we go, then take the slack out
// of the successor. Caller holds the mutex.
func (s *Service) insert(e *ClkInfo) {
	key := e.Uval
	var prev *ClkInfo
	cur := s.head
	for cur != nil && key >= cur.Uval {
		key -= cur.Uval
		prev, cur = cur, cur.next
	}
	e.Uval = key
	e.next = cur
	if cur != nil {
		cur.Uval -= key
	}
	if prev == nil {
		s.head = e
	} else {
		prev.next = e
	}
}

// remove splices e out if queued, giving its delta back to the
// successor. Caller holds the mutex.
func (s *Service) remove(e *ClkInfo) {
	var prev *ClkInfo
	for cur := s.head; cur != nil; prev, cur = cur, cur.next {
		if cur != e {
			continue
		}
		if cur.next != nil {
			cur.next.Uval += cur.Uval
		}
		if prev == nil {
			s.head = cur.next
		} else {
			prev.next = cur.next
		}
		e.next = nil
		e.queued = false
		return
	}
}
