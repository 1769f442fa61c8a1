// Package dispatch moves work from any goroutine onto the single goroutine
// that owns connected peers.
//
// Once a peer is attached, its socket, outbound queue, posted callbacks and
// watcher registrations are only touched by the owner goroutine. Other
// goroutines submit work items; submission appends to a mutex-guarded FIFO
// and signals a one-slot wakeup channel, so it never blocks on the owner.
// The read side of every peer runs in its own goroutine and shifts each
// inbound frame back onto the owner the same way.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/usock/internal/observability"
	"github.com/danmuck/usock/internal/peer"
	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed          = errors.New("dispatch: loop closed")
	ErrDetached        = errors.New("dispatch: peer detached")
	ErrMissingCallback = errors.New("dispatch: send/recv requires a callback")
)

type Kind int

const (
	KindSend Kind = iota
	KindSendRecv
	kindRecv
	kindLost
	kindAttach
	kindDetach
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindSendRecv:
		return "send_recv"
	case kindRecv:
		return "recv"
	case kindLost:
		return "lost"
	case kindAttach:
		return "attach"
	case kindDetach:
		return "detach"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WorkItem is one unit handed to the owner. It holds a reference on Peer
// from submission until the owner has executed it.
type WorkItem struct {
	Kind     Kind
	Peer     *peer.Peer
	Payload  []byte
	Tag      uint32
	Callback peer.Callback
	header   frame.Header
	err      error
}

type Options struct {
	WriteTimeout time.Duration
	Limits       frame.Limits
	// Unexpected receives inbound frames whose tag matches no posted
	// callback. It runs on the owner goroutine.
	Unexpected func(p *peer.Peer, f frame.Frame)
}

func DefaultOptions() Options {
	return Options{
		WriteTimeout: 15 * time.Second,
		Limits:       frame.DefaultLimits(),
	}
}

type Loop struct {
	opts Options

	mu     sync.Mutex
	queue  []*WorkItem
	closed bool
	wake   chan struct{}
	done   chan struct{}

	readers sync.WaitGroup

	// owner-only
	peers map[*peer.Peer]struct{}
}

// New starts the owner goroutine.
func New(opts Options) *Loop {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	opts.Limits = opts.Limits.WithDefaults()
	l := &Loop{
		opts:  opts,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		peers: make(map[*peer.Peer]struct{}),
	}
	go l.run()
	return l
}

// Attach registers a connected peer: a read watcher starts and the write
// watcher stays idle until something is queued.
func (l *Loop) Attach(p *peer.Peer) {
	p.Retain()
	l.submit(&WorkItem{Kind: kindAttach, Peer: p})
}

// Detach deregisters p, cancelling posted callbacks and queued frames.
func (l *Loop) Detach(p *peer.Peer) {
	p.Retain()
	l.submit(&WorkItem{Kind: kindDetach, Peer: p})
}

// Send queues payload under tag on p's outbound queue. Ownership of
// payload passes to the loop; the caller must not touch it afterwards.
func (l *Loop) Send(p *peer.Peer, payload []byte, tag uint32) {
	p.Retain()
	observability.RecordSubmit(KindSend.String())
	l.submit(&WorkItem{Kind: KindSend, Peer: p, Payload: payload, Tag: tag})
}

// SendRecv sends payload under a fresh tag and delivers the reply carrying
// that tag to cb on the owner goroutine. Ownership of payload passes to the
// loop.
func (l *Loop) SendRecv(p *peer.Peer, payload []byte, cb peer.Callback) error {
	if cb == nil {
		return ErrMissingCallback
	}
	p.Retain()
	observability.RecordSubmit(KindSendRecv.String())
	l.submit(&WorkItem{Kind: KindSendRecv, Peer: p, Payload: payload, Callback: cb})
	return nil
}

func (l *Loop) submit(item *WorkItem) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.reject(item)
		return
	}
	l.queue = append(l.queue, item)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// reject finishes an item that arrived after Close, on the caller's
// goroutine.
func (l *Loop) reject(item *WorkItem) {
	if item.Kind == KindSend || item.Kind == KindSendRecv {
		observability.RecordConsume(item.Kind.String())
	}
	if item.Callback != nil {
		item.Callback(nil, ErrClosed)
	}
	item.Peer.Release()
}

// Close executes everything submitted so far, detaches every peer and stops
// the owner. Later submissions complete with ErrClosed.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	l.readers.Wait()
}

func (l *Loop) take() ([]*WorkItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.queue
	l.queue = nil
	return items, l.closed
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			items, closed := l.take()
			for _, item := range items {
				l.execute(item)
			}
			l.flush()
			if len(items) > 0 {
				continue
			}
			if closed {
				l.shutdown()
				return
			}
			break
		}
	}
}

func (l *Loop) execute(item *WorkItem) {
	p := item.Peer
	defer p.Release()

	switch item.Kind {
	case KindSend:
		observability.RecordConsume(item.Kind.String())
		if p.State() != peer.StateConnected {
			log.Warn().Str("peer", p.ID().String()).Uint32("tag", item.Tag).Msg("dispatch.send dropped: peer not connected")
			return
		}
		p.Enqueue(peer.Outbound{Tag: item.Tag, Payload: item.Payload})
	case KindSendRecv:
		observability.RecordConsume(item.Kind.String())
		if p.State() != peer.StateConnected {
			item.Callback(nil, fmt.Errorf("%w: peer %s is %s", protocol.ErrUnreachable, p.ID(), p.State()))
			return
		}
		tag := p.Post(item.Callback)
		p.Enqueue(peer.Outbound{Tag: tag, Payload: item.Payload})
	case kindRecv:
		if cb, ok := p.Complete(item.Tag); ok {
			cb(item.Payload, nil)
			return
		}
		if l.opts.Unexpected != nil {
			l.opts.Unexpected(p, frame.Frame{Header: item.header, Payload: item.Payload})
			return
		}
		log.Debug().Str("peer", p.ID().String()).Uint32("tag", item.Tag).Msg("dispatch.recv unmatched tag")
	case kindLost:
		l.drop(p, fmt.Errorf("%w: %w", protocol.ErrUnreachable, item.err))
	case kindAttach:
		l.attach(p)
	case kindDetach:
		l.drop(p, ErrDetached)
		if conn := p.Conn(); conn != nil {
			_ = conn.SetReadDeadline(time.Now())
		}
	}
}

func (l *Loop) attach(p *peer.Peer) {
	if p.State() != peer.StateConnected {
		log.Warn().Str("peer", p.ID().String()).Str("state", p.State().String()).Msg("dispatch.attach refused")
		return
	}
	if _, ok := l.peers[p]; ok {
		return
	}
	l.peers[p] = struct{}{}
	p.SetRecvWatcher(true)
	observability.RecordPeerConnected(1)

	// The read watcher holds its own reference until it reports the loss.
	p.Retain()
	l.readers.Add(1)
	go l.readLoop(p)
}

// drop deregisters p and fails everything pending on it.
func (l *Loop) drop(p *peer.Peer, cause error) {
	p.MarkDisconnected()
	if _, ok := l.peers[p]; !ok {
		return
	}
	delete(l.peers, p)
	p.SetRecvWatcher(false)
	observability.RecordPeerConnected(-1)
	dropped := p.Abandon(func(cb peer.Callback) { cb(nil, cause) })
	log.Warn().
		Str("peer", p.ID().String()).
		Int("dropped", dropped).
		Err(cause).
		Msg("dispatch.peer deregistered")
}

// flush is the write opportunity for every peer with an active send watcher.
func (l *Loop) flush() {
	for p := range l.peers {
		if !p.Watchers().Send {
			continue
		}
		conn := p.Conn()
		for {
			out, ok := p.Dequeue()
			if !ok {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
			err := frame.WriteFrame(conn, frame.Frame{
				Header:  frame.Header{SenderIndex: p.Index(), Tag: out.Tag},
				Payload: out.Payload,
			}, l.opts.Limits)
			if err != nil {
				l.drop(p, fmt.Errorf("%w: write: %w", protocol.ErrUnreachable, err))
				_ = conn.SetReadDeadline(time.Now())
				break
			}
		}
	}
}

func (l *Loop) shutdown() {
	for p := range l.peers {
		l.drop(p, ErrClosed)
		if conn := p.Conn(); conn != nil {
			_ = conn.SetReadDeadline(time.Now())
		}
	}
}

func (l *Loop) readLoop(p *peer.Peer) {
	defer l.readers.Done()
	conn := p.Conn()
	for {
		f, err := frame.ReadFrame(conn, l.opts.Limits)
		if err != nil {
			// Hands the watcher's reference to the owner.
			l.submit(&WorkItem{Kind: kindLost, Peer: p, err: err})
			return
		}
		p.Retain()
		l.submit(&WorkItem{Kind: kindRecv, Peer: p, Payload: f.Payload, Tag: f.Header.Tag, header: f.Header})
	}
}
