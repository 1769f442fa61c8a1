// Package client connects this process to its rendezvous server.
//
// A Context is created by Init and torn down by Finalize. It carries the
// local identity, the security provider, the event loop that owns the
// connection once established, and the server peer itself. Nothing in this
// package is process-global.
package client

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/danmuck/usock/internal/dispatch"
	"github.com/danmuck/usock/internal/peer"
	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/danmuck/usock/internal/security"
	"github.com/rs/zerolog/log"
)

var (
	ErrFinalized        = errors.New("client: context finalized")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNotConnected     = errors.New("client: not connected")
)

type Context struct {
	cfg      Config
	provider security.Provider
	loop     *dispatch.Loop

	mu         sync.Mutex
	server     *peer.Peer
	connecting bool
	finalized  bool
}

// Init validates cfg and starts the event loop. unexpected, when non-nil,
// receives server frames that answer no pending request.
func Init(cfg Config, unexpected func(*peer.Peer, frame.Frame)) (*Context, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := cfg.Registry.Lookup(cfg.Security)
	if err != nil {
		return nil, err
	}
	loop := dispatch.New(dispatch.Options{
		WriteTimeout: cfg.WriteTimeout,
		Limits:       cfg.Limits,
		Unexpected:   unexpected,
	})
	log.Info().
		Str("component", "client").
		Str("identity", cfg.Identity.String()).
		Str("version", cfg.Version).
		Str("security", provider.Name()).
		Msg("client.init")
	return &Context{cfg: cfg, provider: provider, loop: loop}, nil
}

func (c *Context) Config() Config {
	return c.cfg
}

// Server is the connected server peer, or nil. The pointer stays valid
// until Finalize; Retain it to keep it longer.
func (c *Context) Server() *peer.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Resolve parses descriptor for this context's role.
func (c *Context) Resolve(descriptor string) (rendezvous.Locator, error) {
	return rendezvous.Resolve(c.cfg.Role, descriptor)
}

// ResolveEnv reads the descriptor from the process environment.
func (c *Context) ResolveEnv() (rendezvous.Locator, error) {
	return rendezvous.FromEnv(c.cfg.Role, os.LookupEnv)
}

// Connect runs one blocking connection attempt to loc. On success the peer
// is attached to the event loop and becomes the context's server. Failures
// are terminal for the attempt; the caller decides whether to try again.
// Only one attempt runs at a time: a Connect that overlaps another, or that
// finds the server still connected, fails ErrAlreadyConnected.
func (c *Context) Connect(loc rendezvous.Locator) (*peer.Peer, error) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil, ErrFinalized
	}
	if c.connecting || (c.server != nil && c.server.State() == peer.StateConnected) {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.connecting = true
	c.mu.Unlock()

	conn, index, err := newAttempt(c.cfg, c.provider).run(loc)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		log.Warn().Str("component", "client").Str("server", loc.String()).Err(err).Msg("client.connect failed")
		return nil, err
	}

	p := peer.New(peer.ID{Namespace: loc.Namespace, Rank: loc.Rank})
	p.MarkConnected(conn, index)

	// Attach is queued under mu so Finalize, which flips finalized under mu
	// before closing the loop, always sees the peer attached.
	c.mu.Lock()
	c.connecting = false
	if c.finalized {
		c.mu.Unlock()
		p.Release()
		return nil, ErrFinalized
	}
	prev := c.server
	c.server = p
	if prev != nil && prev.State() == peer.StateConnected {
		c.loop.Detach(prev)
	}
	c.loop.Attach(p)
	c.mu.Unlock()
	if prev != nil {
		prev.Release()
	}

	log.Info().
		Str("component", "client").
		Str("server", loc.String()).
		Int32("index", index).
		Msg("client.connected")
	return p, nil
}

// connected returns the server with an extra reference the caller must
// release, so Finalize cannot tear it down mid-submit.
func (c *Context) connected() (*peer.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil, ErrFinalized
	}
	if c.server == nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrUnreachable, ErrNotConnected)
	}
	c.server.Retain()
	return c.server, nil
}

// Send queues payload to the server under tag.
func (c *Context) Send(payload []byte, tag uint32) error {
	p, err := c.connected()
	if err != nil {
		return err
	}
	defer p.Release()
	c.loop.Send(p, payload, tag)
	return nil
}

// SendRecv sends payload to the server and hands the correlated reply to cb
// on the event loop goroutine.
func (c *Context) SendRecv(payload []byte, cb peer.Callback) error {
	p, err := c.connected()
	if err != nil {
		return err
	}
	defer p.Release()
	return c.loop.SendRecv(p, payload, cb)
}

// Finalize stops the event loop and releases the server. Work submitted
// before Finalize runs; later submissions fail with dispatch.ErrClosed.
func (c *Context) Finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	server := c.server
	c.server = nil
	c.mu.Unlock()

	c.loop.Close()
	if server != nil {
		server.Release()
	}
	log.Info().Str("component", "client").Str("identity", c.cfg.Identity.String()).Msg("client.finalize")
}
