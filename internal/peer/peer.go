// Package peer models the server endpoint a client is connected to.
//
// A Peer is shared between the goroutine that connected it, the event loop
// that owns it once connected, and every work item that references it. The
// reference count is the only thing keeping it alive; the socket is closed
// when the count drops to zero.
//
// Fields documented as owner-only must be touched by the event loop
// goroutine alone.
package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateUnconnected State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ID names a process within a namespace.
type ID struct {
	Namespace string
	Rank      uint32
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Namespace, id.Rank)
}

// Callback receives the correlated reply of a send/recv, or the error that
// prevented one. It runs on the owner goroutine and must not block.
type Callback func(reply []byte, err error)

// Outbound is one frame waiting for a write opportunity.
type Outbound struct {
	Tag     uint32
	Payload []byte
}

// Watchers records which notifications the event loop holds for the peer.
type Watchers struct {
	Recv bool
	Send bool
}

type Peer struct {
	id    ID
	state atomic.Int32
	index atomic.Int32
	refs  atomic.Int32

	conn     net.Conn
	teardown sync.Once

	// owner-only
	sendQueue []Outbound
	posted    map[uint32]Callback
	nextTag   uint32
	watchers  Watchers
}

// New returns an unconnected peer holding one reference for its creator.
func New(id ID) *Peer {
	p := &Peer{
		id:      id,
		posted:  make(map[uint32]Callback),
		nextTag: frame.TagDynamicBase,
	}
	p.index.Store(-1)
	p.refs.Store(1)
	return p
}

func (p *Peer) ID() ID {
	return p.id
}

func (p *Peer) State() State {
	return State(p.state.Load())
}

// Index is the server-assigned client index, -1 until connected.
func (p *Peer) Index() int32 {
	return p.index.Load()
}

func (p *Peer) Conn() net.Conn {
	return p.conn
}

// MarkConnected records the handshake result. It is called once, before the
// peer is visible to any other goroutine.
func (p *Peer) MarkConnected(conn net.Conn, index int32) {
	p.conn = conn
	p.index.Store(index)
	p.state.Store(int32(StateConnected))
}

// MarkDisconnected reports whether this call made the transition.
func (p *Peer) MarkDisconnected() bool {
	return p.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
}

func (p *Peer) Refs() int32 {
	return p.refs.Load()
}

func (p *Peer) Retain() {
	if n := p.refs.Add(1); n <= 1 {
		panic(fmt.Sprintf("peer %s: retain after release (refs=%d)", p.id, n))
	}
}

// Release drops one reference; the last one closes the socket.
func (p *Peer) Release() {
	n := p.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("peer %s: release below zero", p.id))
	}
	if n == 0 {
		p.teardown.Do(p.destroy)
	}
}

func (p *Peer) destroy() {
	p.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
	if p.conn == nil {
		return
	}
	if err := p.conn.Close(); err != nil {
		log.Debug().Str("peer", p.id.String()).Err(err).Msg("peer.destroy close")
		return
	}
	log.Debug().Str("peer", p.id.String()).Msg("peer.destroy released socket")
}

// Enqueue appends to the outbound queue. Owner-only.
func (p *Peer) Enqueue(out Outbound) {
	p.sendQueue = append(p.sendQueue, out)
	p.watchers.Send = true
}

// Dequeue pops the next outbound frame. Owner-only.
func (p *Peer) Dequeue() (Outbound, bool) {
	if len(p.sendQueue) == 0 {
		p.watchers.Send = false
		return Outbound{}, false
	}
	out := p.sendQueue[0]
	p.sendQueue[0] = Outbound{}
	p.sendQueue = p.sendQueue[1:]
	if len(p.sendQueue) == 0 {
		p.watchers.Send = false
	}
	return out, true
}

// Pending is the outbound queue length. Owner-only.
func (p *Peer) Pending() int {
	return len(p.sendQueue)
}

// Post registers cb under a fresh tag. Owner-only.
func (p *Peer) Post(cb Callback) uint32 {
	for {
		tag := p.nextTag
		p.nextTag++
		if p.nextTag == frame.HandshakeTag || p.nextTag < frame.TagDynamicBase {
			p.nextTag = frame.TagDynamicBase
		}
		if _, busy := p.posted[tag]; !busy {
			p.posted[tag] = cb
			return tag
		}
	}
}

// Complete removes and returns the callback posted under tag. Owner-only.
func (p *Peer) Complete(tag uint32) (Callback, bool) {
	cb, ok := p.posted[tag]
	if ok {
		delete(p.posted, tag)
	}
	return cb, ok
}

// Abandon empties both queues, handing every posted callback to fn and
// returning the number of dropped outbound frames. Owner-only.
func (p *Peer) Abandon(fn func(Callback)) int {
	dropped := len(p.sendQueue)
	p.sendQueue = nil
	p.watchers.Send = false
	for tag, cb := range p.posted {
		delete(p.posted, tag)
		fn(cb)
	}
	return dropped
}

// Watchers returns the current registrations. Owner-only.
func (p *Peer) Watchers() Watchers {
	return p.watchers
}

// SetRecvWatcher records whether a read watcher is registered. Owner-only.
func (p *Peer) SetRecvWatcher(active bool) {
	p.watchers.Recv = active
}
