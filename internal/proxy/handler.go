// Package proxy runs the per-connection pipeline: command check, channel
// selection, upstream dial, the single status reply and the throttled relay.
package proxy

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anton-dessiatov/throttleproxy/internal/bandwidth"
	"github.com/anton-dessiatov/throttleproxy/internal/rules"
	"github.com/anton-dessiatov/throttleproxy/internal/socks"
)

// DefaultConnectTimeout bounds the upstream dial when none is configured.
const DefaultConnectTimeout = 3 * time.Second

// DialFunc opens the upstream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Speeds is a pair of global default rates.
type Speeds struct {
	Incoming bandwidth.Rate
	Outgoing bandwidth.Rate
}

// Channels is the pair of channels throttling one session. Incoming shapes
// upstream to client, Outgoing shapes client to upstream.
type Channels struct {
	Incoming *bandwidth.Channel
	Outgoing *bandwidth.Channel
}

// Handler implements socks.Handler.
type Handler struct {
	Registry       *bandwidth.Registry
	Rules          *rules.Set
	Defaults       Speeds
	Dial           DialFunc
	ConnectTimeout time.Duration
	Delay          time.Duration
	Log            zerolog.Logger
}

// Channels picks the channels for a destination. Speeds missing from the
// matching rule, or every speed when nothing matches, come from Defaults.
func (h *Handler) Channels(host string, port int) Channels {
	var rule rules.Rule
	if h.Rules != nil {
		rule = h.Rules.Match(host, port)
	}

	in, out := rule.IncomingSpeed, rule.OutgoingSpeed
	if in == bandwidth.Unlimited {
		in = h.Defaults.Incoming
	}
	if out == bandwidth.Unlimited {
		out = h.Defaults.Outgoing
	}
	return Channels{
		Incoming: h.Registry.Lookup(in),
		Outgoing: h.Registry.Lookup(out),
	}
}

// Handle runs a session for req.
func (h *Handler) Handle(ctx context.Context, client socks.Client, req socks.Request, reply *socks.Replier) error {
	return h.NewSession(client, req, reply).Run(ctx)
}

// NewSession prepares a session without starting it.
func (h *Handler) NewSession(client socks.Client, req socks.Request, reply *socks.Replier) *Session {
	id := uuid.New().String()
	return &Session{
		h:      h,
		id:     id,
		client: client,
		req:    req,
		reply:  reply,
		log: h.Log.With().
			Str("session", id).
			Str("dest", req.Address()).
			Uint8("version", req.Version).
			Logger(),
	}
}

func (h *Handler) dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := h.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := h.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return dial(ctx, "tcp", addr)
}
