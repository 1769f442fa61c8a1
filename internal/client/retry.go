package client

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/danmuck/usock/internal/peer"
	"github.com/danmuck/usock/internal/protocol"
	"github.com/danmuck/usock/internal/protocol/session"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/rs/zerolog/log"
)

// Retryable reports whether another attempt could succeed. Only transport
// errors qualify; a refusal, a bad descriptor or a failed authentication
// will fail the same way again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var status *protocol.StatusError
	switch {
	case errors.As(err, &status):
		return false
	case errors.Is(err, protocol.ErrSecurityFailure):
		return false
	}
	return errors.Is(err, protocol.ErrUnreachable)
}

// ConnectWithRetry calls c.Connect until it succeeds, fails with a
// non-retryable error, the policy runs out of attempts, or ctx ends.
func ConnectWithRetry(ctx context.Context, c *Context, loc rendezvous.Locator, policy session.RetryPolicy) (*peer.Peer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := c.Connect(loc)
		if err == nil {
			return p, nil
		}
		if !Retryable(err) || !policy.ShouldRetry(attempt) {
			return nil, err
		}

		delay := policy.Delay(attempt, rng)
		log.Debug().
			Str("component", "client").
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("client.connect retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
