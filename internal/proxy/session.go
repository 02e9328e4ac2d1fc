package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/anton-dessiatov/throttleproxy/internal/socks"
)

var errClientGone = errors.New("client disconnected before the upstream connected")

// State is a step of the connection pipeline.
type State int32

const (
	StateReceived State = iota
	StateCommandChecked
	StateDialing
	StateConnected
	StateFailed
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateCommandChecked:
		return "command-checked"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one client request moving through the pipeline. The reply is
// sent through a one-shot token: success only after the dial returned a
// connection and before relaying starts, failure only from the dial step, so
// relay errors can never produce a second reply.
type Session struct {
	h      *Handler
	id     string
	client socks.Client
	req    socks.Request
	reply  *socks.Replier
	log    zerolog.Logger

	state    atomic.Int32
	channels Channels
	sent     atomic.Int64
	received atomic.Int64
}

// ID returns the session id used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current pipeline state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Channels returns the channels selected for the session. They are known once
// the session left StateCommandChecked.
func (s *Session) Channels() Channels {
	return s.channels
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Trace().Stringer("state", st).Msg("Session state")
}

// Run drives the session to StateClosed. The returned error describes why
// the session ended early; a normal end of relaying returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	version := s.req.Version
	if s.req.Command != socks.CommandConnect {
		s.log.Debug().Uint8("command", s.req.Command).Msg("Unknown command")
		return s.send(socks.UnsupportedCommand(version), nil)
	}
	s.setState(StateCommandChecked)

	s.channels = s.h.Channels(s.req.Host, s.req.Port)
	s.log.Debug().
		Stringer("in", s.channels.Incoming.Rate()).
		Stringer("out", s.channels.Outgoing.Rate()).
		Msg("Connect")

	s.setState(StateDialing)
	dialCtx, hangup := context.WithCancelCause(ctx)
	stopWatch := s.watchHangup(func() { hangup(errClientGone) })
	upstream, err := s.connect(dialCtx)
	stopWatch()
	gone := errors.Is(context.Cause(dialCtx), errClientGone)
	hangup(nil)
	if gone {
		if upstream != nil {
			upstream.Close()
		}
		s.setState(StateFailed)
		s.log.Info().Msg("Client disconnected while connecting")
		s.reply.Send(socks.ConnectError(version, socks.KindOther), nil)
		return errClientGone
	}
	if err != nil {
		s.setState(StateFailed)
		kind := socks.KindOf(err)
		s.log.Info().Err(err).Stringer("kind", kind).Msg("Upstream connect failed")
		if rerr := s.send(socks.ConnectError(version, kind), nil); rerr != nil {
			return rerr
		}
		return fmt.Errorf("connect %s: %w", s.req.Address(), err)
	}
	defer upstream.Close()

	s.setState(StateConnected)
	s.log.Debug().Str("local", upstream.LocalAddr().String()).Msg("Connection established")
	if err := s.send(socks.Success(version), upstream.LocalAddr()); err != nil {
		return err
	}

	s.setState(StateRelaying)
	start := time.Now()
	err = s.relay(ctx, upstream)
	s.log.Debug().
		Int64("sent", s.sent.Load()).
		Int64("received", s.received.Load()).
		Dur("duration", time.Since(start)).
		Msg("Close")
	return err
}

func (s *Session) watchHangup(onHangup func()) func() {
	if w, ok := s.client.(socks.HangupWatcher); ok {
		return w.WatchHangup(onHangup)
	}
	return func() {}
}

func (s *Session) connect(ctx context.Context) (net.Conn, error) {
	if s.h.Delay > 0 {
		t := time.NewTimer(s.h.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.h.dial(ctx, s.req.Address())
}

func (s *Session) send(code byte, bind net.Addr) error {
	version := s.reply.Version()
	err := s.reply.Send(code, bind)
	if errors.Is(err, socks.ErrAlreadyReplied) {
		s.log.Error().Str("status", socks.StatusText(version, code)).Msg("Reply attempted twice")
		return err
	}
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	s.log.Debug().Str("status", socks.StatusText(version, code)).Msg("Sending status")
	return nil
}

// relay copies client->outgoing->upstream and upstream->incoming->client.
// Whichever flow ends first tears down both connections.
func (s *Session) relay(ctx context.Context, upstream net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		upstream.Close()
		s.client.Close()
	})
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		n, err := io.Copy(upstream, s.channels.Outgoing.Throttle(ctx, s.client))
		s.sent.Add(n)
		errCh <- err
	}()
	go func() {
		n, err := io.Copy(s.client, s.channels.Incoming.Throttle(ctx, upstream))
		s.received.Add(n)
		errCh <- err
	}()

	err := <-errCh
	cancel()
	<-errCh

	if isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF)
}
