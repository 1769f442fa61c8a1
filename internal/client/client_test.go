package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/usock/internal/peer"
	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/danmuck/usock/internal/protocol/handshake"
	"github.com/danmuck/usock/internal/protocol/session"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/danmuck/usock/internal/security"
	"github.com/danmuck/usock/internal/testutil/mockdaemon"
	"github.com/danmuck/usock/internal/testutil/testlog"
	"github.com/danmuck/usock/internal/usock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Identity = peer.ID{Namespace: "jobA", Rank: 2}
	cfg.AckTimeout = 500 * time.Millisecond
	return cfg
}

func initContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	c, err := Init(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Finalize)
	return c
}

func descriptor(d *mockdaemon.Daemon) string {
	return "srv:0:" + d.Path()
}

// countingProvider records every interactive exchange it is asked to run.
type countingProvider struct {
	security.Provider
	calls   int
	rw      []io.ReadWriter
	err     error
	credErr error
}

func (p *countingProvider) CreateCredential() ([]byte, error) {
	if p.credErr != nil {
		return nil, p.credErr
	}
	return p.Provider.CreateCredential()
}

func (p *countingProvider) ClientHandshake(rw io.ReadWriter) error {
	p.calls++
	p.rw = append(p.rw, rw)
	if p.err != nil {
		return p.err
	}
	return p.Provider.ClientHandshake(rw)
}

func TestConnectWithoutDescriptorIsServerNotAvailable(t *testing.T) {
	testlog.Start(t)
	t.Setenv(rendezvous.EnvServerURI, "")
	c := initContext(t, testConfig())

	_, err := c.ResolveEnv()
	require.ErrorIs(t, err, protocol.ErrServerNotAvailable)
	assert.Nil(t, c.Server())
}

func TestConnectMissingRendezvousIsNotFound(t *testing.T) {
	testlog.Start(t)
	c := initContext(t, testConfig())

	_, err := c.Resolve("nsA:3:/no/such/path")
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestConnectSuccessAssignsIndex(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 5})
	c := initContext(t, testConfig())

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	p, err := c.Connect(loc)
	require.NoError(t, err)

	assert.Equal(t, peer.StateConnected, p.State())
	assert.Equal(t, int32(5), p.Index())
	assert.Equal(t, peer.ID{Namespace: "srv", Rank: 0}, p.ID())
	assert.Same(t, p, c.Server())

	reqs := d.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "jobA", req.Namespace)
	assert.Equal(t, uint32(2), req.Rank)
	assert.Equal(t, "2.1.0", req.Version)
	assert.Equal(t, fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), req.Credential)
	assert.Equal(t, "native,none", req.SecurityModules)
	assert.Equal(t, "v20", req.SerializationTag)
	assert.Equal(t, handshake.BufferCompact, req.BufferDescription)
	assert.Equal(t, "hash", req.DataStoreTag)

	_, err = c.Connect(loc)
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectOlderDaemonReadsPrefixOnly(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{
		Status:   handshake.StatusSuccess,
		Index:    1,
		Revision: semver.MustParse("2.0.0"),
	})
	cfg := testConfig()
	cfg.FullyDescribed = true
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	_, err = c.Connect(loc)
	require.NoError(t, err)

	req := d.Requests()[0]
	assert.Equal(t, "jobA", req.Namespace)
	assert.Empty(t, req.SecurityModules)
}

func TestConnectReadyForHandshakeRunsProviderOnce(t *testing.T) {
	testlog.Start(t)
	key, err := security.NewSharedKey(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	d := mockdaemon.Start(t, mockdaemon.Script{
		Status:    handshake.StatusReadyForHandshake,
		Index:     7,
		Challenge: key,
	})

	provider := &countingProvider{Provider: key}
	cfg := testConfig()
	cfg.Registry = security.NewRegistry(provider, security.None{})
	cfg.Security = "sharedkey"
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	p, err := c.Connect(loc)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
	require.Len(t, provider.rw, 1)
	assert.IsType(t, &usock.Socket{}, provider.rw[0])
	assert.Equal(t, int32(7), p.Index())
	assert.Equal(t, "sharedkey,none", d.Requests()[0].SecurityModules)
}

func TestConnectSecurityFailureIsSurfacedVerbatim(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusReadyForHandshake, Index: 1})
	refused := security.Failure("custom", errors.New("token expired"))
	provider := &countingProvider{Provider: security.Native{}, err: refused}
	cfg := testConfig()
	cfg.Registry = security.NewRegistry(provider)
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	_, err = c.Connect(loc)
	require.Equal(t, refused, err)
	assert.False(t, Retryable(err))
	assert.Nil(t, c.Server())
}

func TestConnectCredentialErrorIsSurfacedVerbatim(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 1})
	expired := errors.New("credential store locked")
	provider := &countingProvider{Provider: security.Native{}, credErr: expired}
	cfg := testConfig()
	cfg.Registry = security.NewRegistry(provider)
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	_, err = c.Connect(loc)
	require.Equal(t, expired, err)
	assert.False(t, Retryable(err))
	assert.Zero(t, provider.calls)
	assert.Empty(t, d.Requests())
	assert.Nil(t, c.Server())
}

func TestConnectNoneProviderCannotHandshake(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusReadyForHandshake, Index: 1})
	cfg := testConfig()
	cfg.Security = "none"
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	_, err = c.Connect(loc)
	require.ErrorIs(t, err, protocol.ErrSecurityFailure)
	require.ErrorIs(t, err, security.ErrHandshakeUnsupported)
	assert.Empty(t, d.Requests()[0].Credential)
}

func TestConnectRejectedStatusIsProtocolFailure(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.Status(-3)})
	c := initContext(t, testConfig())

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	_, err = c.Connect(loc)
	require.ErrorIs(t, err, protocol.ErrProtocolFailure)
	var status *protocol.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, int32(-3), status.Code)
}

func TestConnectSilentDaemonTimesOut(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Silent: true})
	cfg := testConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	start := time.Now()
	_, err = c.Connect(loc)
	require.ErrorIs(t, err, protocol.ErrUnreachable)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, Retryable(err))
}

func TestConnectRefusesNonClientRole(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess})
	cfg := testConfig()
	cfg.Role = rendezvous.RoleTool
	c := initContext(t, cfg)

	_, err := c.Connect(rendezvous.Locator{Namespace: "srv", SocketPath: d.Path()})
	require.ErrorIs(t, err, protocol.ErrNotSupported)
	assert.Zero(t, d.Accepted())
}

func TestConnectUnreachableSocket(t *testing.T) {
	testlog.Start(t)
	c := initContext(t, testConfig())
	path := t.TempDir() + "/gone.sock"
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := c.Connect(rendezvous.Locator{Namespace: "srv", SocketPath: path})
	require.ErrorIs(t, err, protocol.ErrUnreachable)
}

func TestAttemptRefusesReentry(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 3})
	cfg := testConfig().WithDefaults()
	a := newAttempt(cfg, security.Native{})
	loc := rendezvous.Locator{Namespace: "srv", SocketPath: d.Path()}

	conn, index, err := a.run(loc)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(3), index)
	assert.Equal(t, StateConnected, a.state)

	_, _, err = a.run(loc)
	require.ErrorIs(t, err, ErrAttemptReused)
}

func TestSendRecvThroughConnectedContext(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 9, Echo: true})
	c := initContext(t, testConfig())

	require.ErrorIs(t, c.Send([]byte("early"), 1), ErrNotConnected)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	_, err = c.Connect(loc)
	require.NoError(t, err)

	replies := make(chan string, 1)
	require.NoError(t, c.SendRecv([]byte("ping"), func(reply []byte, err error) {
		if err != nil {
			replies <- err.Error()
			return
		}
		replies <- string(reply)
	}))
	select {
	case got := <-replies:
		assert.Equal(t, "ping", got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}

	require.NoError(t, c.Send([]byte("fire"), 42))
	require.Eventually(t, func() bool {
		for _, f := range d.Frames() {
			if f.Header.Tag == 42 && string(f.Payload) == "fire" {
				return f.Header.SenderIndex == 9
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	c.Finalize()
	require.ErrorIs(t, c.Send(nil, 1), ErrFinalized)
}

func TestServerLossMarksPeerDisconnected(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 4})
	c := initContext(t, testConfig())

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	p, err := c.Connect(loc)
	require.NoError(t, err)

	d.Close()
	require.Eventually(t, func() bool { return p.State() == peer.StateDisconnected }, 2*time.Second, 5*time.Millisecond)

	errs := make(chan error, 1)
	require.NoError(t, c.SendRecv([]byte("q"), func(_ []byte, err error) { errs <- err }))
	require.ErrorIs(t, <-errs, protocol.ErrUnreachable)
}

func TestConnectWithRetryRecovers(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 2, Reject: 2})
	c := initContext(t, testConfig())
	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)

	policy := session.RetryPolicy{
		MaxAttempts: 5,
		Backoff:     session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	}
	p, err := ConnectWithRetry(context.Background(), c, loc, policy)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.Index())
	assert.Equal(t, 3, d.Accepted())
}

func TestConnectWithRetryStopsOnRefusal(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.Status(-1)})
	c := initContext(t, testConfig())
	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)

	policy := session.RetryPolicy{
		MaxAttempts: 5,
		Backoff:     session.BackoffConfig{InitialDelay: time.Millisecond},
	}
	_, err = ConnectWithRetry(context.Background(), c, loc, policy)
	require.ErrorIs(t, err, protocol.ErrProtocolFailure)
	assert.Equal(t, 1, d.Accepted())
}

func TestConnectWithRetryHonoursContext(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Reject: 1000})
	c := initContext(t, testConfig())
	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	policy := session.RetryPolicy{Backoff: session.BackoffConfig{InitialDelay: 20 * time.Millisecond}}
	_, err = ConnectWithRetry(ctx, c, loc, policy)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOverlappingConnectIsRefused(t *testing.T) {
	testlog.Start(t)
	gate := make(chan struct{})
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 3, Gate: gate})
	cfg := testConfig()
	cfg.AckTimeout = 2 * time.Second
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)

	type result struct {
		p   *peer.Peer
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			p, err := c.Connect(loc)
			results <- result{p: p, err: err}
		}()
	}

	// The daemon holds the winner's ack, so the loser returns first.
	var refused result
	select {
	case refused = <-results:
	case <-time.After(2 * time.Second):
		t.Fatalf("overlapping connect did not return")
	}
	require.ErrorIs(t, refused.err, ErrAlreadyConnected)
	assert.Nil(t, refused.p)

	close(gate)
	won := <-results
	require.NoError(t, won.err)
	assert.Same(t, won.p, c.Server())
	assert.Equal(t, 1, d.Accepted())
	require.Eventually(t, func() bool { return won.p.Refs() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err = c.Connect(loc)
	require.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, d.Accepted())
}

func TestFinalizeDuringHandshakeDiscardsPeer(t *testing.T) {
	testlog.Start(t)
	gate := make(chan struct{})
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 8, Gate: gate})
	cfg := testConfig()
	cfg.AckTimeout = 2 * time.Second
	c := initContext(t, cfg)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Connect(loc)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(d.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Finalize()
	close(gate)
	require.ErrorIs(t, <-errs, ErrFinalized)
	assert.Nil(t, c.Server())
}

func TestConnectRacingFinalizeNeverReturnsDetachedPeer(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 1})

	for i := 0; i < 20; i++ {
		c, err := Init(testConfig(), nil)
		require.NoError(t, err)
		loc, err := c.Resolve(descriptor(d))
		require.NoError(t, err)

		type result struct {
			p   *peer.Peer
			err error
		}
		done := make(chan result, 1)
		go func() {
			p, err := c.Connect(loc)
			done <- result{p: p, err: err}
		}()
		c.Finalize()
		r := <-done
		if r.err != nil {
			require.ErrorIs(t, r.err, ErrFinalized, "iteration %d", i)
			continue
		}
		// A peer handed back must have been attached before the loop
		// closed, so Close detached it and the last reference is gone.
		require.Eventually(t, func() bool { return r.p.Refs() == 0 }, 2*time.Second, 5*time.Millisecond, "iteration %d", i)
		assert.Equal(t, peer.StateDisconnected, r.p.State())
	}
}

func TestUnsolicitedServerFrameReachesHandler(t *testing.T) {
	testlog.Start(t)
	d := mockdaemon.Start(t, mockdaemon.Script{Status: handshake.StatusSuccess, Index: 6})
	events := make(chan frame.Frame, 1)
	c, err := Init(testConfig(), func(_ *peer.Peer, f frame.Frame) { events <- f })
	require.NoError(t, err)
	t.Cleanup(c.Finalize)

	loc, err := c.Resolve(descriptor(d))
	require.NoError(t, err)
	p, err := c.Connect(loc)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Refs() == 2 }, 2*time.Second, 5*time.Millisecond)

	d.Push(frame.TagDynamicBase+50, []byte("job-started"))
	select {
	case f := <-events:
		assert.Equal(t, frame.TagDynamicBase+50, f.Header.Tag)
		assert.Equal(t, "job-started", string(f.Payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("unsolicited frame not delivered")
	}
}
