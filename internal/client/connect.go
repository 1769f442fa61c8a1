package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/usock/internal/observability"
	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/handshake"
	"github.com/danmuck/usock/internal/protocol/wire"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/danmuck/usock/internal/security"
	"github.com/danmuck/usock/internal/usock"
	"github.com/rs/zerolog/log"
)

var ErrAttemptReused = errors.New("client: connect attempt already ran")

// State is a step of a single connection attempt.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateSendingCredentials
	StateAwaitingAck
	StateSecurityHandshake
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateSendingCredentials:
		return "sending_credentials"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateSecurityHandshake:
		return "security_handshake"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// attempt walks one connection from Idle to Connected or Failed. It runs
// entirely on the calling goroutine and is used once.
type attempt struct {
	cfg      Config
	provider security.Provider
	state    State
	sock     *usock.Socket
}

func newAttempt(cfg Config, provider security.Provider) *attempt {
	return &attempt{cfg: cfg, provider: provider}
}

func (a *attempt) enter(s State) {
	log.Debug().Str("component", "client").Str("from", a.state.String()).Str("to", s.String()).Msg("connect.transition")
	a.state = s
}

// run returns the handed-off connection and the server-assigned index.
// On any failure the socket is closed and the attempt ends in StateFailed.
func (a *attempt) run(loc rendezvous.Locator) (net.Conn, int32, error) {
	if a.state != StateIdle {
		return nil, 0, fmt.Errorf("%w (state %s)", ErrAttemptReused, a.state)
	}
	start := time.Now()
	conn, index, err := a.steps(loc)
	failedIn := a.state
	if err != nil {
		if a.sock != nil {
			_ = a.sock.Close()
		}
		a.enter(StateFailed)
	}
	observability.RecordHandshake(failedIn.String(), err, time.Since(start))
	return conn, index, err
}

func (a *attempt) steps(loc rendezvous.Locator) (net.Conn, int32, error) {
	a.enter(StateResolving)
	if a.cfg.Role != rendezvous.RoleClient {
		return nil, 0, fmt.Errorf("%w: connect as %s", protocol.ErrNotSupported, a.cfg.Role)
	}
	if loc.SocketPath == "" {
		return nil, 0, protocol.ErrServerNotAvailable
	}

	a.enter(StateConnecting)
	sock, err := usock.Dial(loc.SocketPath)
	if err != nil {
		return nil, 0, err
	}
	a.sock = sock

	a.enter(StateSendingCredentials)
	if err := a.sendCredentials(); err != nil {
		return nil, 0, err
	}

	a.enter(StateAwaitingAck)
	index, err := a.awaitAck()
	if err != nil {
		return nil, 0, err
	}

	conn, err := a.sock.Handoff()
	if err != nil {
		return nil, 0, err
	}
	a.enter(StateConnected)
	return conn, index, nil
}

func (a *attempt) sendCredentials() error {
	cred, err := a.provider.CreateCredential()
	if err != nil {
		return err
	}
	req := handshake.Request{
		Prefix: handshake.Prefix{
			Namespace:  a.cfg.Identity.Namespace,
			Rank:       a.cfg.Identity.Rank,
			Version:    a.cfg.Version,
			Credential: string(cred),
		},
		Extensions: handshake.Extensions{
			SecurityModules:   a.cfg.Registry.Modules(),
			SerializationTag:  a.cfg.SerializationTag,
			BufferDescription: a.cfg.bufferDescription(),
			DataStoreTag:      a.cfg.DataStoreTag,
		},
	}
	b, err := handshake.Encode(req)
	if err != nil {
		if errors.Is(err, wire.ErrOverflow) {
			return fmt.Errorf("%w: %w", protocol.ErrOutOfResource, err)
		}
		return err
	}
	_, err = a.sock.Write(b)
	return err
}

// awaitAck reads the status under AckTimeout, runs the provider's exchange
// when asked to, then reads the assigned index. The socket's previous
// receive timeout is put back before returning successfully.
func (a *attempt) awaitAck() (int32, error) {
	saved, restorable, err := a.sock.RecvTimeout()
	if err != nil {
		return 0, err
	}
	if restorable {
		if err := a.sock.SetRecvTimeout(a.cfg.AckTimeout); err != nil {
			return 0, err
		}
	} else {
		log.Warn().Str("component", "client").Msg("connect.ack: no receive timeout on this platform")
	}

	var buf [handshake.StatusLen]byte
	if _, err := a.sock.Read(buf[:]); err != nil {
		return 0, err
	}
	status, err := handshake.DecodeStatus(buf[:])
	if err != nil {
		return 0, err
	}
	switch status {
	case handshake.StatusSuccess:
	case handshake.StatusReadyForHandshake:
		a.enter(StateSecurityHandshake)
		if err := a.provider.ClientHandshake(a.sock); err != nil {
			return 0, err
		}
	default:
		return 0, &protocol.StatusError{Code: int32(status)}
	}

	if _, err := a.sock.Read(buf[:]); err != nil {
		return 0, err
	}
	index, err := handshake.DecodeIndex(buf[:])
	if err != nil {
		return 0, err
	}

	if restorable {
		if err := a.sock.SetRecvTimeoutVal(saved); err != nil {
			return 0, err
		}
	}
	return index, nil
}
