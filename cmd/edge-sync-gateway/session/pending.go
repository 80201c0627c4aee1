package session

import (
	"sync"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
)

// pendingPack tracks the in-flight downlink messages of the current batch,
// keyed by message id. The batch completes once every message has been
// acknowledged or discarded.
type pendingPack struct {
	mu     sync.Mutex
	msgs   map[int32]*edgerpc.DownlinkMsg
	order  []int32
	empty  chan struct{}
	closed bool
}

func newPendingPack() *pendingPack {
	return &pendingPack{
		msgs:  make(map[int32]*edgerpc.DownlinkMsg),
		empty: closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *pendingPack) reset(msgs []*edgerpc.DownlinkMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = make(map[int32]*edgerpc.DownlinkMsg, len(msgs))
	p.order = p.order[:0]
	for _, msg := range msgs {
		p.msgs[msg.DownlinkMsgID] = msg
		p.order = append(p.order, msg.DownlinkMsgID)
	}
	p.empty = make(chan struct{})
	p.closed = false
	if len(p.msgs) == 0 {
		p.closeLocked()
	}
}

// snapshot returns the still-pending messages in original send order.
func (p *pendingPack) snapshot() []*edgerpc.DownlinkMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*edgerpc.DownlinkMsg, 0, len(p.msgs))
	for _, id := range p.order {
		if msg, ok := p.msgs[id]; ok {
			out = append(out, msg)
		}
	}
	return out
}

func (p *pendingPack) remove(id int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.msgs, id)
	if len(p.msgs) == 0 {
		p.closeLocked()
	}
}

// ack applies one client response. A negative ack only discards the message
// when it carries no telemetry payload; telemetry stays pending for the retry
// pass.
func (p *pendingPack) ack(resp *edgerpc.DownlinkResponseMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.msgs[resp.DownlinkMsgID]
	if !ok {
		return
	}
	if resp.Success || len(msg.EntityData) == 0 {
		delete(p.msgs, resp.DownlinkMsgID)
	}
	if len(p.msgs) == 0 {
		p.closeLocked()
	}
}

// clear discards everything pending and returns how many were dropped.
func (p *pendingPack) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.msgs)
	p.msgs = make(map[int32]*edgerpc.DownlinkMsg)
	p.closeLocked()
	return n
}

// emptied is closed once the current batch has no pending messages left.
func (p *pendingPack) emptied() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.empty
}

func (p *pendingPack) closeLocked() {
	if !p.closed {
		close(p.empty)
		p.closed = true
	}
}
