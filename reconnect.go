package rudp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Reconnector dials a remote endpoint until a handshake completes, backing
// off exponentially between attempts. It is a convenience for client peers
// whose server may not be up yet or whose connection was lost.
type Reconnector struct {
	peer   *Peer
	remote string

	// PollInterval is how often a pending handshake is checked for
	// completion. Defaults to the peer's heartbeat interval.
	PollInterval time.Duration
}

// NewReconnector creates a reconnector for the given remote address.
func NewReconnector(peer *Peer, remote string) *Reconnector {
	return &Reconnector{
		peer:         peer,
		remote:       remote,
		PollInterval: peer.cfg.HeartbeatInterval,
	}
}

// Run dials until a connection reaches Connected or ctx is cancelled. Each
// failed handshake widens the gap to the next attempt.
func (r *Reconnector) Run(ctx context.Context) (*Connection, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var conn *Connection
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, err := r.dialOnce(ctx)
		if err != nil {
			log.Debug().
				Str("remote", r.remote).
				Int("attempt", attempt).
				Err(err).
				Msg("reconnect attempt failed")
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("reconnect %s: %w", r.remote, err)
	}
	return conn, nil
}

// dialOnce runs a single handshake to completion or failure.
func (r *Reconnector) dialOnce(ctx context.Context) (*Connection, error) {
	conn, err := r.peer.Connect(r.remote)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Disconnect("reconnect cancelled")
			return nil, ctx.Err()
		case <-ticker.C:
			switch conn.Status() {
			case StatusConnected:
				return conn, nil
			case StatusDisconnected:
				return nil, fmt.Errorf("handshake with %s failed", r.remote)
			}
		}
	}
}
