// Package mockdaemon runs a scripted rendezvous daemon on a unix socket for
// tests. It accepts any number of clients and answers every handshake the
// same way.
package mockdaemon

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/danmuck/usock/internal/protocol/handshake"
	"github.com/danmuck/usock/internal/security"
	"github.com/rs/zerolog/log"
)

// Script decides how the daemon answers.
type Script struct {
	Status handshake.Status
	Index  int32
	// Revision is the protocol revision the daemon decodes requests as.
	// Nil reads everything.
	Revision *semver.Version
	// Challenge verifies the credential with this key and, for
	// ready-for-handshake, runs a challenge/response before the index.
	Challenge *security.SharedKey
	// Silent reads the request and never answers.
	Silent bool
	// Echo answers every post-handshake frame with the same tag and payload.
	Echo bool
	// Reject makes the first Reject connections close right after accept.
	Reject int
	// Gate, when set, holds every reply until it is closed.
	Gate chan struct{}
}

type Daemon struct {
	path   string
	ln     *net.UnixListener
	script Script

	mu       sync.Mutex
	requests []handshake.Request
	frames   []frame.Frame
	conns    map[net.Conn]struct{}
	accepted int
	closed   bool
	done     chan struct{}

	wg sync.WaitGroup
}

// Start listens on a fresh socket under t.TempDir and stops on cleanup.
func Start(t testing.TB, script Script) *Daemon {
	t.Helper()
	path := filepath.Join(t.TempDir(), "d.sock")
	return StartAt(t, path, script)
}

func StartAt(t testing.TB, path string, script Script) *Daemon {
	t.Helper()
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("mockdaemon listen %s: %v", path, err)
	}
	d := &Daemon{
		path:   path,
		ln:     ln,
		script: script,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.acceptLoop()
	t.Cleanup(d.Close)
	return d
}

func (d *Daemon) Path() string {
	return d.path
}

// Requests returns the decoded handshakes received so far.
func (d *Daemon) Requests() []handshake.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]handshake.Request(nil), d.requests...)
}

// Frames returns the post-handshake frames received so far.
func (d *Daemon) Frames() []frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]frame.Frame(nil), d.frames...)
}

func (d *Daemon) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

// Push writes an unsolicited frame to every live client.
func (d *Daemon) Push(tag uint32, payload []byte) {
	d.mu.Lock()
	conns := make([]net.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		_ = frame.WriteFrame(c, frame.Frame{Header: frame.Header{Tag: tag}, Payload: payload}, frame.DefaultLimits())
	}
}

// Close stops accepting, drops every client and waits for handlers.
func (d *Daemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	for c := range d.conns {
		_ = c.Close()
	}
	d.mu.Unlock()
	_ = d.ln.Close()
	d.wg.Wait()
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.accepted++
		if d.accepted <= d.script.Reject {
			d.mu.Unlock()
			_ = conn.Close()
			continue
		}
		d.conns[conn] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *Daemon) serve(conn net.Conn) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		_ = conn.Close()
	}()

	f, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		log.Debug().Err(err).Msg("mockdaemon.read request")
		return
	}
	raw, err := frame.Encode(f, frame.DefaultLimits())
	if err != nil {
		return
	}
	req, _, err := handshake.DecodeRequest(raw, d.script.Revision)
	if err != nil {
		log.Debug().Err(err).Msg("mockdaemon.decode request")
		return
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	if d.script.Silent {
		// Hold the connection until the client gives up or Close runs.
		_, _ = io.Copy(io.Discard, conn)
		return
	}
	if !d.answer(conn, req) {
		return
	}
	d.pump(conn)
}

func (d *Daemon) answer(conn net.Conn, req handshake.Request) bool {
	s := d.script
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-d.done:
			return false
		}
	}
	if s.Challenge != nil {
		if err := s.Challenge.VerifyCredential([]byte(req.Credential)); err != nil {
			log.Debug().Err(err).Msg("mockdaemon.credential rejected")
			return false
		}
	}
	if s.Status != handshake.StatusReadyForHandshake || s.Challenge == nil {
		return handshake.WriteReply(conn, s.Status, s.Index) == nil && s.Status.CarriesIndex()
	}

	if _, err := conn.Write(handshake.EncodeStatus(s.Status)); err != nil {
		return false
	}
	challenge := make([]byte, security.ChallengeLen)
	if _, err := rand.Read(challenge); err != nil {
		return false
	}
	if _, err := conn.Write(challenge); err != nil {
		return false
	}
	want, err := s.Challenge.Answer(challenge)
	if err != nil {
		return false
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		return false
	}
	if !bytes.Equal(got, want) {
		log.Debug().Msg("mockdaemon.challenge mismatch")
		return false
	}
	_, err = conn.Write(handshake.EncodeIndex(s.Index))
	return err == nil
}

func (d *Daemon) pump(conn net.Conn) {
	for {
		f, err := frame.ReadFrame(conn, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("mockdaemon.read frame")
			}
			return
		}
		d.mu.Lock()
		d.frames = append(d.frames, f)
		d.mu.Unlock()
		if !d.script.Echo {
			continue
		}
		reply := frame.Frame{Header: frame.Header{SenderIndex: 0, Tag: f.Header.Tag}, Payload: f.Payload}
		if err := frame.WriteFrame(conn, reply, frame.DefaultLimits()); err != nil {
			return
		}
	}
}
