package kernel

import (
	"willow/willowos/errcode"
	"willow/willowos/proto"
)

// The SendM* helpers differ only in which payload fields they
// populate. Services build every request and reply through them, so
// the field conventions live in one place.

// SendM1 sends a bare opcode.
func (n *Node) SendM1(sender, receiver proto.TaskID, op proto.Opcode) {
	n.Enqueue(&Message{Sender: sender, Receiver: receiver, Op: op})
}

// SendM2 sends an opcode plus the mtype byte.
func (n *Node) SendM2(sender, receiver proto.TaskID, op proto.Opcode, mtype byte) {
	n.Enqueue(&Message{Sender: sender, Receiver: receiver, Op: op, Mtype: mtype})
}

// SendM3 sends the pointer+short payload view.
func (n *Node) SendM3(sender, receiver proto.TaskID, op proto.Opcode, ptr any, short uint16) {
	n.Enqueue(&Message{Sender: sender, Receiver: receiver, Op: op, Ptr: ptr, Short: short})
}

// SendM4 sends mtype plus the pointer+short view.
func (n *Node) SendM4(sender, receiver proto.TaskID, op proto.Opcode, mtype byte, ptr any, short uint16) {
	n.Enqueue(&Message{Sender: sender, Receiver: receiver, Op: op, Mtype: mtype, Ptr: ptr, Short: short})
}

// SendM5 sends mtype plus the count view.
func (n *Node) SendM5(sender, receiver proto.TaskID, op proto.Opcode, mtype byte, count uint32) {
	n.Enqueue(&Message{Sender: sender, Receiver: receiver, Op: op, Mtype: mtype, Count: count})
}

// ReplyResult answers a request with REPLY_RESULT carrying rc, swapping
// sender and receiver. The reply discipline: one reply per job, always.
func (n *Node) ReplyResult(req *Message, rc errcode.Code) {
	n.SendM2(req.Receiver, req.Sender, proto.REPLY_RESULT, byte(rc))
}
